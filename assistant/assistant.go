// Package assistant is the Go client for the Relay CRM assistant gateway.
//
// It speaks the gateway's SSE streaming protocol: token-by-token assistant
// output, incremental tool-call lifecycles, human confirmation gates for
// high-impact actions, usage accounting, and typed stream errors.
//
// Example usage:
//
//	client := assistant.NewClient("http://localhost:8080",
//	    assistant.WithTenant("acme"),
//	)
//
//	ctrl := assistant.NewController(client)
//	ctrl.StartNewConversation()
//
//	if err := ctrl.SendMessage(ctx, "Draft a follow-up for the Acme deal"); err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range ctrl.Messages() {
//	    fmt.Printf("%s: %s\n", msg.Role, msg.Content)
//	}
//
//	if conf := ctrl.PendingConfirmation(); conf != nil {
//	    // A gated action is waiting on a human decision.
//	    _ = ctrl.ConfirmAction(ctx, assistant.DecisionConfirm, nil)
//	}
package assistant

// String creates a string pointer (helper for optional fields).
func String(s string) *string {
	return &s
}

// Bool creates a bool pointer (helper for optional fields).
func Bool(b bool) *bool {
	return &b
}

// Int creates an int pointer (helper for optional fields).
func Int(i int) *int {
	return &i
}

// Float64 creates a float64 pointer (helper for optional fields).
func Float64(f float64) *float64 {
	return &f
}
