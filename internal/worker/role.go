package worker

// Role is a named specialist function. Worker roles form a closed set; any
// other name coming back from the reasoning service is treated as unknown.
type Role string

const (
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RoleWriter     Role = "writer"
	RoleReviewer   Role = "reviewer"

	// RoleSupervisor is the persona used when consulting the reasoning
	// service for routing decisions; it is never a valid routing target.
	RoleSupervisor Role = "supervisor"
)

// Roles lists the valid worker roles in their natural workflow order.
var Roles = []Role{RoleResearcher, RoleAnalyst, RoleWriter, RoleReviewer}

// ParseRole validates a role name against the closed worker set.
func ParseRole(name string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == name {
			return r, true
		}
	}
	return "", false
}

// instructions holds the role-specific system prompt for each worker.
var instructions = map[Role]string{
	RoleResearcher: `You are a research specialist. Gather relevant facts for the task below.
Verify claims against the provided search snippets when present, cite sources
inline, and clearly separate established facts from open questions.`,

	RoleAnalyst: `You are an analysis specialist. Examine the material gathered so far,
identify patterns and contradictions, and produce concrete insights. State
your reasoning briefly; do not restate the inputs.`,

	RoleWriter: `You are a writing specialist. Produce the deliverable content for the task,
integrating the research findings and analysis insights provided. Match the
register to the task type and keep the structure tight.`,

	RoleReviewer: `You are a quality reviewer. Assess the work produced so far for accuracy,
completeness, and coherence. Call out specific defects and state plainly
whether the work meets the task's goal.`,
}

// Instructions returns the system prompt for a worker role.
func Instructions(r Role) string {
	return instructions[r]
}
