package escalation

import (
	"fmt"
	"time"

	"github.com/BTreeMap/CrisisRelay/internal/models"
)

// Contact kinds used in action strings and metrics labels.
const (
	KindVolunteer  = "volunteer"
	KindSupervisor = "supervisor"
	KindHotline    = "hotline"
	KindEmergency  = "emergency_services"
	KindDirector   = "director"
)

// Contacts lists notification addresses per contact kind.
type Contacts struct {
	Volunteers        []string
	Supervisors       []string
	Hotline           []string
	EmergencyServices []string
	Directors         []string
}

// Protocol is what executing an escalation at one level involves.
type Protocol struct {
	Level            models.EscalationLevel
	Target           time.Duration
	NotifyVolunteers bool
	ContactHotline   bool
	ContactEmergency bool
	NotifyDirectors  bool
}

// DefaultTargets are the response-time targets for each level.
var DefaultTargets = map[models.EscalationLevel]time.Duration{
	models.LevelLow:      5 * time.Minute,
	models.LevelModerate: 3 * time.Minute,
	models.LevelElevated: 2 * time.Minute,
	models.LevelHigh:     time.Minute,
	models.LevelCritical: 30 * time.Second,
}

// ProtocolFor resolves the protocol for level. Supervisors are always notified.
func ProtocolFor(level models.EscalationLevel, targets map[models.EscalationLevel]time.Duration) Protocol {
	target, ok := targets[level]
	if !ok || target <= 0 {
		target = DefaultTargets[level]
	}
	return Protocol{
		Level:            level,
		Target:           target,
		NotifyVolunteers: true,
		ContactHotline:   level >= models.LevelHigh,
		ContactEmergency: level == models.LevelCritical,
		NotifyDirectors:  level == models.LevelCritical,
	}
}

type recipient struct {
	kind    string
	address string
}

func (p Protocol) recipients(c Contacts) []recipient {
	var out []recipient
	add := func(kind string, addrs []string) {
		for _, a := range addrs {
			out = append(out, recipient{kind: kind, address: a})
		}
	}
	if p.NotifyVolunteers {
		add(KindVolunteer, c.Volunteers)
	}
	add(KindSupervisor, c.Supervisors)
	if p.ContactHotline {
		add(KindHotline, c.Hotline)
	}
	if p.ContactEmergency {
		add(KindEmergency, c.EmergencyServices)
	}
	if p.NotifyDirectors {
		add(KindDirector, c.Directors)
	}
	return out
}

func actionFor(kind, address string) string {
	switch kind {
	case KindVolunteer:
		return "notify_volunteer:" + address
	case KindSupervisor:
		return "notify_supervisor:" + address
	case KindHotline:
		return "contact_hotline:" + address
	case KindEmergency:
		return "contact_emergency_services:" + address
	default:
		return "notify_" + kind + ":" + address
	}
}

func nextSteps(p Protocol, routing string) []string {
	steps := []string{fmt.Sprintf("Responder acknowledges within %s", p.Target)}
	if p.Level >= models.LevelElevated {
		steps = append(steps, "Supervisor reviews the session transcript")
	}
	if p.ContactHotline {
		steps = append(steps, "Offer a warm handoff to the crisis hotline")
	}
	if p.ContactEmergency {
		steps = append(steps, "Emergency services dispatched via "+routing, "Preserve session evidence for review")
	}
	if p.Level <= models.LevelModerate {
		steps = append(steps, "Continue supportive conversation and monitor risk")
	}
	return steps
}

// RoutingFor picks regional routing when a location is known, national otherwise.
func RoutingFor(geo *models.Geolocation) string {
	if key := geo.RoutingKey(); key != "" {
		return "regional:" + key
	}
	return "national"
}
