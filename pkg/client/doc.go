// Package client is the Go SDK for the loan event ledger HTTP API.
//
// # Recording an event
//
//	c, err := client.New("http://ledger.internal:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	amount := decimal.RequireFromString("15000.00")
//	entry, err := c.Append(ctx, "LN-2041", client.AppendRequest{
//	    EventType:   "PAYMENT_RECEIVED",
//	    EventData:   map[string]any{"emiNumber": 3, "paymentDate": "2026-05-05", "transactionId": "TXN-1"},
//	    Amount:      &amount,
//	    PerformedBy: "system",
//	})
//
// EventData may be any value that encodes to the JSON object expected for
// the event type, including the ledger's own variant structs.
//
// # Conflicts
//
// The server retries lost races itself. An Append that still fails with
// ErrConflict was not written and may be retried by the caller:
//
//	if errors.Is(err, client.ErrConflict) {
//	    // back off and retry
//	}
//
// # Auditing
//
//	res, _ := c.Verify(ctx, "LN-2041")
//	if !res.IsValid {
//	    fmt.Println(res.InvalidEntries, res.Errors)
//	}
package client
