package usecase

import (
	"fmt"
	"strings"

	"knowledge-agent/internal/domain"
)

const (
	// NoInformationAnswer is returned when no passage is relevant enough.
	NoInformationAnswer = "Ik heb die informatie niet in de bedrijfsdocumenten. (I don't have that information in the company documents.)"
	// ErrorAnswer is returned on degraded paths.
	ErrorAnswer = "Sorry, er ging iets mis bij het beantwoorden van je vraag. Probeer het later opnieuw. (Sorry, something went wrong while answering your question. Please try again later.)"
	// RateLimitedAnswer is returned with RATE_LIMITED errors.
	RateLimitedAnswer = "Je stelt te veel vragen tegelijk. Wacht even en probeer het opnieuw. (Too many questions at once. Please wait a moment and try again.)"
	// InvalidQuestionAnswer is returned with VALIDATION_ERROR errors.
	InvalidQuestionAnswer = "Ik kan deze vraag niet verwerken. (I can't process this question.)"
)

func buildAnswerMessages(prompt PromptConfig, question string, history []domain.ConversationTurn, passages []domain.Passage) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildSystemPrompt(prompt)},
		{Role: "system", Content: buildPassageContext(passages)},
	}
	for _, turn := range history {
		messages = append(messages, historyToPromptMessages(turn)...)
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: question})
	return messages
}

func buildSystemPrompt(prompt PromptConfig) string {
	return strings.Join([]string{
		strings.TrimSpace(prompt.SystemPrompt),
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current user question.",
		"2) Use only the numbered document passages in this request as sources. Earlier conversation turns are context, not sources.",
		"3) Cite every fact with the passage number in square brackets, for example [1] or [2][3].",
		"4) Answer in the language of the question (Dutch or English).",
		"5) Keep answers short and practical.",
		"6) If the passages do not contain the answer, respond exactly: \"" + NoInformationAnswer + "\"",
	}, "\n")
}

func buildPassageContext(passages []domain.Passage) string {
	var b strings.Builder
	b.WriteString("Document passages:\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n[%d] (source: %s, category: %s)\n%s\n", i+1, p.Source, p.Category, normalizePromptInput(p.Text))
	}
	return b.String()
}

func historyToPromptMessages(turn domain.ConversationTurn) []domain.ChatMessage {
	question := strings.TrimSpace(turn.Question)
	answer := strings.TrimSpace(turn.Answer)
	if question == "" || answer == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: "user", Content: question},
		{Role: "assistant", Content: answer},
	}
}

func buildResolverMessages(question string, history []domain.ConversationTurn) []domain.ChatMessage {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", normalizePromptInput(turn.Question), normalizePromptInput(turn.Answer))
	}
	fmt.Fprintf(&b, "\nFollow-up question: %s", question)

	return []domain.ChatMessage{
		{Role: "system", Content: strings.Join([]string{
			"Rewrite the follow-up question into a standalone question using the conversation.",
			"Replace pronouns and references with what they refer to.",
			"Keep the intent and the language of the follow-up question.",
			"If the question is already standalone, return it unchanged.",
			"Return only the rewritten question, without quotes or explanation.",
		}, "\n")},
		{Role: "user", Content: b.String()},
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
