// Package chatguard is a resource-governance and safety layer for chat bots.
//
// It sits between a chat frontend and its expensive collaborators (an LLM
// generation backend and external lookup providers) and enforces rate
// limits, reply budgets, response caching, query validation, input and
// output sanitization, conversation memory, and usage monitoring.
//
// The two entry points are Guard.GetSafeReply and Guard.Enhance. Neither
// ever fails: every internal fault resolves to a safe in-persona string or
// a nil enhancement.
//
// Basic usage:
//
//	cfg := config.Default()
//	guard, err := chatguard.New(cfg, generator,
//		chatguard.WithProviderChain(chatguard.APIWebSearch, primary, secondary),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer guard.Close()
//
//	reply := guard.GetSafeReply(ctx, chatguard.ReplyRequest{
//		UserID:   msg.AuthorID,
//		Platform: "discord",
//		ChatID:   msg.ChannelID,
//		Text:     msg.Content,
//	})
package chatguard
