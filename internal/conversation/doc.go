// Package conversation holds the authoritative state of support conversations.
//
// # Overview
//
// A conversation is created on first customer contact and then moves through
// a small state machine:
//
//	AUTOMATION -> WAITING      bot escalates
//	AUTOMATION -> IN_SERVICE   agent takeover
//	WAITING    -> IN_SERVICE   assignment from the queue
//	IN_SERVICE -> AUTOMATION   agent releases back to the bot
//	any        -> CLOSED       close (terminal, idempotent)
//
// # Registry
//
// The Registry owns every conversation. Each conversation has its own
// single-writer critical section; operations on different conversations run
// in parallel, operations on the same conversation serialize. Lock waits are
// bounded and fail with an apperr.KindTimeout error.
//
//	reg := conversation.NewRegistry(conversation.Options{Logger: logger})
//	conv, msg, created, err := reg.Create(ctx, conversation.NewConversation{...})
//	change, err := reg.Assign(ctx, conv.ID, "agent_1")
//
// Every transition appends one StatusEntry inside the same critical section
// as the status change. Reads (Get, List, Counts) use snapshots republished
// after each mutation and never wait on a busy conversation.
//
// # Message Log
//
// MessageLog is a view over the same entries. Append allocates the next
// sequence number, stores the message and refreshes the conversation's
// last-message preview in one critical section, so sequences are strictly
// increasing without gaps. GetSince serves backlog replay.
//
// # Escalation
//
// How many failed bot attempts force a WAITING transition is deployment
// policy (EscalationPolicy), configured through escalation.max_bot_attempts.
package conversation
