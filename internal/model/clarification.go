package model

import (
	"fmt"
	"strings"
)

type ClarificationData struct {
	Questions []string `json:"questions" yaml:"questions"`
}

type ClarificationResponse struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

type ClarificationSubmission struct {
	Responses []ClarificationResponse `json:"responses" yaml:"responses"`
}

// Transcript renders the submission as a plain-text requirement message.
func (s ClarificationSubmission) Transcript() string {
	var b strings.Builder
	for i, response := range s.Responses {
		if i > 0 {
			b.WriteString("\n")
		}
		answer := strings.TrimSpace(response.Answer)
		if answer == "" {
			answer = "(no answer provided)"
		}
		fmt.Fprintf(&b, "Q%d: %s\nA%d: %s\n", i+1, strings.TrimSpace(response.Question), i+1, answer)
	}
	return b.String()
}
