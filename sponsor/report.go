package sponsor

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const banner = "================================================================================\n"

// FormatOutcome renders an attempt outcome and its event log for terminal output.
func FormatOutcome(o *Outcome) string {
	var sb strings.Builder

	sb.WriteString("\n" + banner)
	sb.WriteString("  Sponsored User Operation\n")
	sb.WriteString(banner + "\n")

	status := "CONFIRMED"
	if !o.Success {
		status = strings.ToUpper(string(o.State))
	}
	sb.WriteString(fmt.Sprintf("[%s]\n", status))
	sb.WriteString(fmt.Sprintf("      Account:    %s\n", o.Account.Hex()))
	if o.UserOpHash != (common.Hash{}) {
		sb.WriteString(fmt.Sprintf("      UserOpHash: %s\n", o.UserOpHash.Hex()))
	}
	if o.TxHash != (common.Hash{}) {
		sb.WriteString(fmt.Sprintf("      TxHash:     %s\n", o.TxHash.Hex()))
	}
	if o.Receipt != nil && o.Receipt.ActualGasCost != nil {
		sb.WriteString(fmt.Sprintf("      GasCost:    %s wei\n", o.Receipt.ActualGasCost))
	}
	if !o.Success {
		sb.WriteString(fmt.Sprintf("      Stage:      %s\n", o.Stage))
		sb.WriteString(fmt.Sprintf("      Error:      %s\n", o.Reason))
	}

	sb.WriteString("\n")
	sb.WriteString(FormatEvents(o.Events))
	sb.WriteString(banner)
	return sb.String()
}

// FormatEvents renders the ordered event log, one line per event.
func FormatEvents(events []Event) string {
	var sb strings.Builder
	sb.WriteString("--------------------------------------------------------------------------------\n")
	for _, e := range events {
		sb.WriteString(fmt.Sprintf("%2d. %-22s +%s", e.Seq+1, e.Stage, e.Elapsed.Round(time.Millisecond)))
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf(" %s=%v", k, e.Fields[k]))
		}
		if e.Err != nil {
			sb.WriteString(fmt.Sprintf(" error=%q", e.Err.Error()))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("--------------------------------------------------------------------------------\n")
	return sb.String()
}

// FormatAccount renders a resolved smart account. A nil balance is omitted.
func FormatAccount(a *SmartAccount, balance *big.Int) string {
	var sb strings.Builder
	sb.WriteString("\n" + banner)
	sb.WriteString("  Smart Account\n")
	sb.WriteString(banner + "\n")
	sb.WriteString(fmt.Sprintf("  Owner:      %s\n", a.Owner.Hex()))
	sb.WriteString(fmt.Sprintf("  Address:    %s\n", a.Address.Hex()))
	sb.WriteString(fmt.Sprintf("  Variant:    %s\n", a.Variant))
	sb.WriteString(fmt.Sprintf("  Factory:    %s\n", a.Factory.Hex()))
	sb.WriteString(fmt.Sprintf("  Salt:       %s\n", a.Salt))
	sb.WriteString(fmt.Sprintf("  Deployed:   %v\n", a.Deployed))
	sb.WriteString(fmt.Sprintf("  EntryPoint: %s\n", a.EntryPoint.Hex()))
	if balance != nil {
		sb.WriteString(fmt.Sprintf("  Balance:    %s\n", balance))
	}
	sb.WriteString(banner)
	return sb.String()
}

// FormatReceipt renders an out-of-band receipt lookup.
func FormatReceipt(hash common.Hash, r *Receipt) string {
	var sb strings.Builder
	sb.WriteString("\n" + banner)
	sb.WriteString("  User Operation Receipt\n")
	sb.WriteString(banner + "\n")
	sb.WriteString(fmt.Sprintf("  UserOpHash: %s\n", hash.Hex()))
	if r == nil {
		sb.WriteString("  Status:     PENDING\n")
		sb.WriteString(banner)
		return sb.String()
	}
	status := "SUCCESS"
	if !r.Success {
		status = "REVERTED"
	}
	sb.WriteString(fmt.Sprintf("  Status:     %s\n", status))
	sb.WriteString(fmt.Sprintf("  TxHash:     %s\n", r.TxHash.Hex()))
	sb.WriteString(fmt.Sprintf("  Sender:     %s\n", r.Sender.Hex()))
	if r.BlockNumber != nil {
		sb.WriteString(fmt.Sprintf("  Block:      %s\n", r.BlockNumber))
	}
	if r.ActualGasCost != nil {
		sb.WriteString(fmt.Sprintf("  GasCost:    %s wei\n", r.ActualGasCost))
	}
	if r.Reason != "" {
		sb.WriteString(fmt.Sprintf("  Reason:     %s\n", r.Reason))
	}
	sb.WriteString(fmt.Sprintf("  Logs:       %d\n", len(r.Logs)))
	sb.WriteString(banner)
	return sb.String()
}
