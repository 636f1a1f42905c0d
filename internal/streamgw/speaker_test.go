package streamgw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpeakerLabelMatrix(t *testing.T) {
	full := CallContext{UUID: "A1", Exten: "200", Caller: "+34600000000", CallerName: "Ana"}
	noName := CallContext{UUID: "A1", Exten: "200", Caller: "+34600000000"}
	empty := CallContext{UUID: "A1"}

	tests := []struct {
		name string
		mode RoleMode
		dir  Direction
		ctx  CallContext
		want string
	}{
		{"caller-in in full", RoleCallerIn, DirIn, full, "Ana"},
		{"caller-in in no name", RoleCallerIn, DirIn, noName, "+34600000000"},
		{"caller-in in empty", RoleCallerIn, DirIn, empty, "Caller"},
		{"caller-in out full", RoleCallerIn, DirOut, full, "200"},
		{"caller-in out empty", RoleCallerIn, DirOut, empty, "Agent"},
		{"agent-in inverts in", RoleAgentIn, DirIn, full, "200"},
		{"agent-in inverts out", RoleAgentIn, DirOut, full, "Ana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, speakerLabel(tt.mode, tt.dir, tt.ctx))
		})
	}
}

func TestConversationRole(t *testing.T) {
	assert.Equal(t, "user", conversationRole(RoleCallerIn, DirIn))
	assert.Equal(t, "agent", conversationRole(RoleCallerIn, DirOut))
	assert.Equal(t, "agent", conversationRole(RoleAgentIn, DirIn))
	assert.Equal(t, "user", conversationRole(RoleAgentIn, DirOut))
}

func TestFromTo(t *testing.T) {
	ctx := CallContext{Exten: "200", CallerName: "Ana"}

	from, to := fromTo(RoleCallerIn, ctx)
	assert.Equal(t, "Ana", from)
	assert.Equal(t, "200", to)

	from, to = fromTo(RoleAgentIn, ctx)
	assert.Equal(t, "200", from)
	assert.Equal(t, "Ana", to)
}
