package streamgw

// CallContext is the per-call metadata registered out-of-band before the
// first RTP packet arrives.
type CallContext struct {
	UUID       string
	Exten      string
	Caller     string
	CallerName string
}

// callerLabel resolves the caller-side speaker: caller-name, then caller
// number, then the generic fallback.
func callerLabel(ctx CallContext) string {
	if ctx.CallerName != "" {
		return ctx.CallerName
	}
	if ctx.Caller != "" {
		return ctx.Caller
	}
	return "Caller"
}

// agentLabel resolves the agent-side speaker: extension, then the generic
// fallback.
func agentLabel(ctx CallContext) string {
	if ctx.Exten != "" {
		return ctx.Exten
	}
	return "Agent"
}

// speakerLabel maps a direction to its speaker label under the configured
// role mode.
func speakerLabel(mode RoleMode, dir Direction, ctx CallContext) string {
	callerSide := dir == DirIn
	if mode == RoleAgentIn {
		callerSide = !callerSide
	}
	if callerSide {
		return callerLabel(ctx)
	}
	return agentLabel(ctx)
}

// conversationRole maps a direction to the assistant conversation role.
func conversationRole(mode RoleMode, dir Direction) string {
	callerSide := dir == DirIn
	if mode == RoleAgentIn {
		callerSide = !callerSide
	}
	if callerSide {
		return "user"
	}
	return "agent"
}

// fromTo derives the call-start from/to pair under the role mode.
func fromTo(mode RoleMode, ctx CallContext) (from, to string) {
	if mode == RoleAgentIn {
		return agentLabel(ctx), callerLabel(ctx)
	}
	return callerLabel(ctx), agentLabel(ctx)
}
