// Package callback extracts the logical fields of a gateway callback.
//
// The gateway's schema varies across deliveries: the same logical value can
// arrive under several different key names, amounts arrive as numbers or
// numeric strings, and the success signal may be a boolean flag, a result
// code, or a free-text status. Parsing is an ordered candidate lookup per
// logical field, first defined-and-non-empty value wins, and is independent
// of transport so the whole policy is table-testable.
package callback

import (
	"strconv"
	"strings"
)

// Candidate key names per logical field, in precedence order.
var (
	identityKeys = []string{
		"identity", "account", "account_id", "accountId",
		"msisdn", "phone", "phone_number", "phoneNumber", "PhoneNumber",
	}
	referenceKeys = []string{
		"reference", "ref", "transaction_ref", "transactionRef",
		"CheckoutRequestID", "checkout_request_id", "MerchantRequestID",
	}
	amountKeys = []string{
		"amount", "Amount", "trans_amount", "transAmount", "TransAmount",
	}
	successKeys = []string{"success", "Success", "successful"}
	codeKeys    = []string{"ResultCode", "result_code", "resultCode", "code"}
	statusKeys  = []string{
		"status", "Status", "result", "ResultDesc", "result_desc",
		"description", "Description",
	}
)

// Fields is the normalized view of one callback delivery.
type Fields struct {
	Identity  string
	Reference string
	Amount    int64
	Success   bool
}

// Valid reports whether the delivery carries enough to reconcile: both ids
// present and a positive amount. An invalid delivery is acknowledged as
// ignored upstream, never treated as an error, because delivery is
// at-least-once and the gateway will retry a rejected callback forever.
func (f Fields) Valid() bool {
	return f.Identity != "" && f.Reference != "" && f.Amount >= 1
}

// Parse normalizes one raw callback payload.
func Parse(payload map[string]any) Fields {
	return Fields{
		Identity:  firstString(payload, identityKeys),
		Reference: firstString(payload, referenceKeys),
		Amount:    firstAmount(payload, amountKeys),
		Success:   successSignal(payload),
	}
}

// successSignal decides the outcome of a delivery. Precedence when signals
// disagree: an explicit boolean flag, then a zero result code, then a textual
// status that is "completed" or contains "success" (case-insensitive). Any
// other signal, or no signal at all, is failure.
func successSignal(payload map[string]any) bool {
	for _, key := range successKeys {
		if v, ok := payload[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	for _, key := range codeKeys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch code := v.(type) {
		case float64:
			return code == 0
		case int:
			return code == 0
		case string:
			if strings.TrimSpace(code) != "" {
				return strings.TrimSpace(code) == "0"
			}
		}
	}
	for _, key := range statusKeys {
		s, ok := payload[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		return s == "completed" || strings.Contains(s, "success")
	}
	return false
}

func firstString(payload map[string]any, keys []string) string {
	for _, key := range keys {
		switch v := payload[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			// Some deliveries send the msisdn as a bare number.
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

// firstAmount accepts JSON numbers and numeric strings, in minor currency
// units. Anything non-numeric, fractional, or below one yields 0, which
// fails Valid().
func firstAmount(payload map[string]any, keys []string) int64 {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch amt := v.(type) {
		case float64:
			if amt >= 1 && amt == float64(int64(amt)) {
				return int64(amt)
			}
			return 0
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(amt), 10, 64)
			if err != nil || n < 1 {
				return 0
			}
			return n
		}
	}
	return 0
}
