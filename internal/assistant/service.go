// Package assistant runs the read-generate-write cycle for one inbound
// user message: ban check, identity upsert, window read, model call,
// window append.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"

	"barassistant/internal/ai"
	"barassistant/internal/history"
)

// ErrBanned is returned for senders in the ban set; callers drop the
// message silently.
var ErrBanned = errors.New("assistant: user is banned")

// DegradedReply is sent when the completion service fails. The exchange is
// still recorded so moderation sees what the user asked.
const DegradedReply = "Sorry, something went wrong while handling your request. Please try again later."

const systemPromptTemplate = `You are the friendly AI concierge of the "17/17" bar.
Present yourself as a young, knowledgeable bartender who knows the menu, drinks and services inside out.

Style:
- Be warm and polite, keep the tone upbeat but professional
- Answer concisely and to the point
- Use at most an occasional emoji

Rules:
- Only answer questions about the bar, its menu, services and events
- If a question is off-topic, politely steer the conversation back to the bar
- If you don't know the answer, suggest contacting the bar directly
- For prices and menu questions rely strictly on the knowledge below

Bar information:
%s`

// Knowledge supplies the grounding document for the system prompt.
type Knowledge interface {
	Content() string
}

type Service struct {
	store    *history.Store
	provider ai.Provider
	kb       Knowledge
}

func New(store *history.Store, provider ai.Provider, kb Knowledge) *Service {
	return &Service{store: store, provider: provider, kb: kb}
}

func (s *Service) systemPrompt() string {
	content := s.kb.Content()
	if content == "" {
		content = "Bar information has not been loaded yet."
	}
	return fmt.Sprintf(systemPromptTemplate, content)
}

// Reply handles one inbound text from userID. Note the window read and the
// two appends are not one atomic unit: the model call sits between them, so
// two near-simultaneous messages from the same user may interleave in
// completion order. Accepted; the store only guarantees each append+trim is
// atomic.
func (s *Service) Reply(ctx context.Context, userID int64, username, text string) (string, error) {
	banned, err := s.store.IsBanned(ctx, userID)
	if err != nil {
		return "", err
	}
	if banned {
		return "", ErrBanned
	}

	if err := s.store.UpsertUser(ctx, userID, username); err != nil {
		return "", err
	}

	window, err := s.store.GetHistory(ctx, userID)
	if err != nil {
		return "", err
	}

	msgs := make([]ai.Message, 0, len(window)+2)
	msgs = append(msgs, ai.Message{Role: "system", Content: s.systemPrompt()})
	for _, turn := range window {
		msgs = append(msgs, ai.Message{Role: turn.Role, Content: turn.Content})
	}
	msgs = append(msgs, ai.Message{Role: history.RoleUser, Content: text})

	reply, err := s.provider.Chat(ctx, msgs)
	if err != nil {
		log.Printf("assistant: provider error user=%d err=%v", userID, err)
		reply = DegradedReply
	}

	if err := s.store.AddMessage(ctx, userID, history.RoleUser, text); err != nil {
		return "", err
	}
	if err := s.store.AddMessage(ctx, userID, history.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}
