package rag

import (
	"fmt"
	"strings"

	"github.com/SyncWithRaj/ChatWithYT/internal/index"
)

// RefusalSentence is the exact reply when the transcript does not answer the question.
const RefusalSentence = "I didn't catch that in the video."

const answerPrompt = `You are a chill friend who has just watched this YouTube video.
Answer the question in a normal, conversational tone, like you're talking to a friend.
Be direct and helpful, but don't be over-enthusiastic or dramatic. Keep it grounded.
Base your answer ONLY on the following transcript segments.
If the answer is not in the transcript, just say "` + RefusalSentence + `"

Context:
%s

Question: %s
Answer:`

// BuildPrompt renders the grounded answer prompt.
func BuildPrompt(context, question string) string {
	return fmt.Sprintf(answerPrompt, context, question)
}

// joinContext concatenates hit texts in the given order, separated by a blank line.
func joinContext(hits []index.Hit) string {
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Text)
	}
	return strings.Join(texts, "\n\n")
}
