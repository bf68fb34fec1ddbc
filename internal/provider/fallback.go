package provider

// Canned answers returned when every provider is open or failed. They are
// deterministic per persona so callers and tests can rely on the exact text.
const (
	fallbackTechnical = "The generation service is temporarily unavailable. " +
		"Please retry shortly. In the meantime, consult the indexed source " +
		"material directly and verify any dosage, contraindication, or " +
		"interaction data against the original reference before acting on it."

	fallbackEmpathetic = "I'm sorry, I can't generate a full answer right now " +
		"because the service is temporarily unavailable. Please try again in a " +
		"moment. If your question is urgent, it's always safest to check with a " +
		"qualified clinician or the original course material."
)

// FallbackAnswer returns the deterministic canned response for a persona.
func FallbackAnswer(p Persona) string {
	if p == PersonaEmpathetic {
		return fallbackEmpathetic
	}
	return fallbackTechnical
}
