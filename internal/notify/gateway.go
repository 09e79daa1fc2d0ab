// README: Push notification gateway used by dispatch and the ride lifecycle.
package notify

import "context"

// Result counts per-token delivery outcomes.
type Result struct {
	Success int
	Failure int
}

// Gateway delivers one message to many device tokens. Delivery is best-effort:
// callers log errors and move on.
type Gateway interface {
	Send(ctx context.Context, tokens []string, title, body string, data map[string]string) (Result, error)
}

// compact drops empty and duplicate tokens, keeping order.
func compact(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
