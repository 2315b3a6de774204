package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidRoleMessageTypePair(t *testing.T) {
	cases := []struct {
		role     MessageRole
		msgType  MessageType
		expected bool
	}{
		{MessageRoleUser, MessageTypePrompt, true},
		{MessageRoleAssistant, MessageTypeThinking, true},
		{MessageRoleAssistant, MessageTypeResponse, true},
		{MessageRoleUser, MessageTypeResponse, false},
		{MessageRoleUser, MessageTypeThinking, false},
		{MessageRoleAssistant, MessageTypePrompt, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, ValidRoleMessageTypePair(tc.role, tc.msgType),
			"(%s, %s)", tc.role, tc.msgType)
	}
}
