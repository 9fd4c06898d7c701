package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/chatflow/internal/domain"
)

// HandoffStep prefixes next steps that route the conversation to a human.
const HandoffStep = "handoff"

const defaultHandoffMessage = "Vou transferir você para um atendente humano."

// Builtins returns the skills shipped with the service.
func Builtins() []Skill {
	return []Skill{HandoffHuman{}, &BusinessHours{}}
}

// HandoffHuman queues a transfer to a human operator.
// Binding config: "queue" (target queue), "message" (reply sentence).
type HandoffHuman struct{}

func (HandoffHuman) Name() string { return "handoff_human" }

func (HandoffHuman) Execute(_ context.Context, b *domain.AgentSkill, _ Invocation) (Outcome, error) {
	msg := b.Config["message"]
	if msg == "" {
		msg = defaultHandoffMessage
	}
	step := HandoffStep
	if q := b.Config["queue"]; q != "" {
		step += ":" + q
	}
	return Outcome{NextStep: step, Message: msg}, nil
}

func (HandoffHuman) GeneratePrompt(*domain.AgentSkill) string {
	return "If the user explicitly asks to talk to a person, set result.next_step_map.intent to \"handoff_human\"."
}

// BusinessHours answers whether the business is open.
// Binding config: "open" and "close" as HH:MM, "days" as comma separated
// three-letter weekdays (default mon..fri), "timezone" as an IANA name.
type BusinessHours struct {
	Now func() time.Time
}

func (*BusinessHours) Name() string { return "business_hours" }

func (s *BusinessHours) Execute(_ context.Context, b *domain.AgentSkill, _ Invocation) (Outcome, error) {
	sched, err := parseSchedule(b.Config)
	if err != nil {
		return Outcome{}, fmt.Errorf("business_hours %s: %w", b.ID, err)
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if sched.openAt(now) {
		return Outcome{Completed: true, Message: "Estamos abertos agora (" + sched.String() + ")."}, nil
	}
	return Outcome{Completed: true, Message: "Estamos fechados agora. Horário: " + sched.String() + "."}, nil
}

func (*BusinessHours) GeneratePrompt(b *domain.AgentSkill) string {
	sched, err := parseSchedule(b.Config)
	if err != nil {
		return ""
	}
	return "Opening hours: " + sched.String() + "."
}

type schedule struct {
	open, close time.Duration
	days        map[time.Weekday]bool
	dayNames    []string
	loc         *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseSchedule(cfg map[string]string) (*schedule, error) {
	open, err := parseClock(cfg["open"], "08:00")
	if err != nil {
		return nil, err
	}
	closeAt, err := parseClock(cfg["close"], "18:00")
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if tz := cfg["timezone"]; tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	days := cfg["days"]
	if days == "" {
		days = "mon,tue,wed,thu,fri"
	}
	s := &schedule{open: open, close: closeAt, days: make(map[time.Weekday]bool), loc: loc}
	for _, d := range strings.Split(days, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		wd, ok := weekdays[d]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		s.days[wd] = true
		s.dayNames = append(s.dayNames, d)
	}
	return s, nil
}

func parseClock(v, def string) (time.Duration, error) {
	if v == "" {
		v = def
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("clock %q: %w", v, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (s *schedule) openAt(t time.Time) bool {
	t = t.In(s.loc)
	if !s.days[t.Weekday()] {
		return false
	}
	since := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return since >= s.open && since < s.close
}

func (s *schedule) String() string {
	return fmt.Sprintf("%s %s-%s", strings.Join(s.dayNames, ","), clock(s.open), clock(s.close))
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}
