package orchestrator

import (
	"fmt"
	"strings"

	"github.com/concilium/concilium/internal/domain"
)

func unpackPrompt(problem string) string {
	return fmt.Sprintf(`You are a problem analyst. Decompose the following problem into its
core sub-aspects. For each aspect, name it and state what must be resolved.

Problem:
%s`, problem)
}

func domainPrompt(name, problem, unpack string) string {
	return fmt.Sprintf(`You are an expert in %s. Analyze the problem below from your domain's
perspective, using the decomposition for structure. Be concrete about risks
and recommendations within your domain.

Problem:
%s

Decomposition:
%s`, name, problem, unpack)
}

func criticPrompt(problem, unpack string) string {
	return fmt.Sprintf(`You are a critical analyst. Challenge the assumptions in the problem
and its decomposition below. Identify what is missing, overstated, or
contradictory.

Problem:
%s

Decomposition:
%s`, problem, unpack)
}

func synthesisPrompt(problem, unpack string, analyses []domain.AgentResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a synthesizer. Combine the decomposition and the analyses below
into a single final recommendation for the problem. Reconcile disagreements
explicitly.

Problem:
%s

Decomposition:
%s
`, problem, unpack)
	for _, a := range analyses {
		fmt.Fprintf(&b, "\nAnalysis (%s):\n%s\n", a.AgentID, a.Content)
	}
	return b.String()
}

// analysisTasks builds the Analyzing phase's task set: one domain expert per
// requested domain plus one critical analysis.
func analysisTasks(problem, unpack string, domains []string) []domain.AgentTask {
	tasks := make([]domain.AgentTask, 0, len(domains)+1)
	for _, name := range domains {
		tasks = append(tasks, domain.AgentTask{
			AgentID: name,
			Role:    domain.RoleDomainExpert,
			Prompt:  domainPrompt(name, problem, unpack),
		})
	}
	tasks = append(tasks, domain.AgentTask{
		AgentID: "critic",
		Role:    domain.RoleCritic,
		Prompt:  criticPrompt(problem, unpack),
	})
	return tasks
}
