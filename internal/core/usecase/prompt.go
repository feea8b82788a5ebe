package usecase

import (
	"strings"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

const (
	// NoDocumentsResponse is returned without calling the model while no
	// knowledge base exists.
	NoDocumentsResponse = "Please upload and process your PDF documents first."

	NotFoundResponse = "I cannot find relevant information in the provided documents."

	scholarSystemPrompt = "You are ScholarChat AI, a smart educational assistant designed to help students understand their textbooks. Follow these guidelines:\n" +
		"1. Use information only from the uploaded documents.\n" +
		"2. Explain in a clear and simple way (10th-grade level).\n" +
		"3. If no relevant info is found, say: '" + NotFoundResponse + "'\n" +
		"4. Do not make assumptions or generate extra content.\n" +
		"5. Keep answers concise, structured, and exam-friendly.\n" +
		"6. Use bullet points, step-by-step explanations, and examples to clarify concepts.\n" +
		"7. Ask the student if they need further clarification.\n"

	chatSystemPrompt = "You are a helpful AI assistant. Respond in a clear and concise manner."
)

// buildAnswerPrompt stuffs the retrieved chunks, joined by blank lines, into
// a single human message after the fixed system instruction.
func buildAnswerPrompt(question string, chunks []domain.RetrievedChunk) domain.Prompt {
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}

	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(strings.Join(texts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nProvide a clear, well-structured answer based on the provided context. Use examples when necessary and ensure the response is easy to understand.")

	return domain.Prompt{
		System:   scholarSystemPrompt,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: b.String()}},
	}
}

func buildChatPrompt(message string) domain.Prompt {
	return domain.Prompt{
		System:   chatSystemPrompt,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: message}},
	}
}
