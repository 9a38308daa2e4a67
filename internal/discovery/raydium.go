package discovery

import (
	"errors"
	"strconv"
	"strings"
)

// Known program IDs and mints.
const (
	// RaydiumAMMV4 is the Raydium AMM v4 program ID.
	RaydiumAMMV4 = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	// WSOL is the Wrapped SOL mint address.
	WSOL = "So11111111111111111111111111111111111111112"
)

// Log markers.
const (
	// Initialize2Marker appears in the log line of a pool creation.
	Initialize2Marker = "initialize2"
	// BurnMarker appears in the log line of an spl-token burn.
	BurnMarker = "Burn"
	// ErrorMarker starts a line the program logs before failing.
	ErrorMarker = "Program log: Error"

	// initialize2Prefix precedes the InitializeInstruction2 body:
	// "Program log: initialize2: InitializeInstruction2 { nonce: 254, open_time: 1716406425, ... }"
	initialize2Prefix = "Program log: initialize2: InitializeInstruction2 "
	openTimeLabel     = "open_time: "
)

// Raydium AMM v4 account indices for the initialize2 instruction.
// 0: Token program
// 1: Associated token program
// 2: System program
// 3: Rent sysvar
// 4: AMM ID (pool)
// 5: AMM authority
// 6: AMM open orders
// 7: LP mint
// 8: Coin (base) mint
// 9: PC (quote) mint
// 10: Pool coin vault
// 11: Pool PC vault
// 12..: target orders, config, fee destination, market, user accounts
const (
	initPoolIndex       = 4
	initBaseMintIndex   = 8
	initQuoteMintIndex  = 9
	initBaseVaultIndex  = 10
	initQuoteVaultIndex = 11
	initMinAccounts     = initQuoteVaultIndex + 1
)

// ErrNoOpenTime is returned when an initialize2 line carries no open_time.
var ErrNoOpenTime = errors.New("open_time not found")

// IsInitialize2 reports whether the log line announces a pool creation.
func IsInitialize2(line string) bool {
	return strings.Contains(line, Initialize2Marker)
}

// IsBurn reports whether the log line announces a token burn.
func IsBurn(line string) bool {
	return strings.Contains(line, BurnMarker)
}

// HasErrorMarker reports whether any line starts with ErrorMarker.
func HasErrorMarker(logs []string) bool {
	for _, line := range logs {
		if strings.HasPrefix(line, ErrorMarker) {
			return true
		}
	}
	return false
}

// ParseOpenTime extracts open_time (Unix seconds) from an initialize2 log
// line. The fixed prefix is cut first, then the body is split on the
// "open_time: " label and the digits up to the next separator are read.
func ParseOpenTime(line string) (int64, error) {
	if !strings.HasPrefix(line, initialize2Prefix) {
		return 0, ErrNoOpenTime
	}
	body := line[len(initialize2Prefix):]

	parts := strings.SplitN(body, openTimeLabel, 2)
	if len(parts) != 2 {
		return 0, ErrNoOpenTime
	}
	value := parts[1]
	if end := strings.IndexAny(value, ", }"); end >= 0 {
		value = value[:end]
	}
	if value == "" {
		return 0, ErrNoOpenTime
	}

	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, ErrNoOpenTime
	}
	return ts, nil
}
