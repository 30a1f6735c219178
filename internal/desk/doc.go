// Package desk is the support desk core: it owns the conversation registry,
// the message log, the waiting queue and the connection broker, and keeps
// them in agreement.
//
// A mutation commits to the registry first. While the conversation's
// critical section is still held, the desk's registry observer broadcasts the
// change to the conversation's room and keeps the waiting queue in step, so
// every viewer sees one conversation's events in commit order. After the
// critical section the change is handed to the persister and, for agent and
// bot messages, to the outbound channel. Neither can undo a committed change.
//
//	svc := desk.New(desk.Options{Persister: store.NewResilient(sqlite, cfg, logger), Outbox: dispatcher})
//	if _, err := svc.Restore(ctx); err != nil { ... }
//	res, err := svc.HandleInbound(ctx, desk.Inbound{Customer: ..., Content: conversation.Text("Hi")})
//	conv, err := svc.PickNext(ctx, "agent_1")
package desk
