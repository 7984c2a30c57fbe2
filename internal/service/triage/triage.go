package triage

import "strings"

// emergencyKeywords are symptom phrases that always trigger an
// emergency recommendation, regardless of what the model answers.
var emergencyKeywords = []string{
	"chest pain",
	"difficulty breathing",
	"trouble breathing",
	"shortness of breath",
	"suicidal",
	"suicide",
	"fainting",
	"severe bleeding",
}

// EmergencyNotice is appended to replies when an emergency is detected.
const EmergencyNotice = "This may be a medical emergency. Please call your local emergency number immediately."

// IsEmergency reports whether the message contains an emergency keyword.
func IsEmergency(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range emergencyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// AppendNotice adds the emergency notice to a reply unless it already carries one.
func AppendNotice(reply string) string {
	if strings.Contains(reply, EmergencyNotice) {
		return reply
	}
	reply = strings.TrimRight(reply, " \n")
	if reply == "" {
		return EmergencyNotice
	}
	return reply + "\n\n" + EmergencyNotice
}
