// Package pipeline builds per-assessment schedules by threading an
// AssessmentSchedule through a fixed, ordered chain of handler stages. The
// handler set is a closed variant: stages are selected per assessment by
// HandlersFor based on assessment type and which protocol rules are present,
// and dispatched by kind. Ordering matters — each stage consumes fields the
// previous stage populated.
package pipeline

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"studyline/internal/builder"
	"studyline/internal/domain"
	"studyline/internal/timecalc"
)

// Occurrence expansion is clamped to this window around the current instant.
const (
	pastHorizon   = 7 * 24 * time.Hour
	futureHorizon = 7 * 24 * time.Hour
)

// maxOccurrenceYear bounds expansion against misconfigured repeat rules that
// would otherwise walk the calendar indefinitely.
const maxOccurrenceYear = 2100

const (
	defaultReminderTitle = "Questionnaire reminder"
	defaultReminderBody  = "{assessment} is still waiting for you"
	defaultLocale        = "en"
)

type HandlerKind int

const (
	KindReferenceTimestamp HandlerKind = iota
	KindClinicalReference
	KindRepeatProtocol
	KindRepeatQuestionnaire
	KindNotification
	KindReminder
	KindCompletedCarryOver
	KindDisabledNotification
)

// Handler is one stage instance. Only the carry-over stage carries state:
// the subject's previously generated tasks and the timezone they were
// generated under.
type Handler struct {
	Kind         HandlerKind
	PrevTasks    []domain.Task
	PrevTimezone string
}

// ConfigurationError marks an assessment whose protocol cannot produce a
// schedule (e.g. no reference timestamp rule and no enrolment date). It is
// fatal for that assessment only; callers log and move on.
type ConfigurationError struct {
	Assessment string
	Reason     string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("assessment %s: %s", e.Assessment, e.Reason)
}

// Runner executes handler chains. Now and Rand are injectable for tests;
// Rand returns a uniform value in [0, n).
type Runner struct {
	Now  func() time.Time
	Rand func(n int64) int64
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) randN(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if r.Rand != nil {
		return r.Rand(n)
	}
	return rand.Int63n(n)
}

// HandlersFor selects the stage chain for one assessment. Clinical
// assessments get only the name-copying reference stage and the notification
// opt-out; the scheduling stages are non-clinical.
func HandlersFor(a domain.Assessment, prevTasks []domain.Task, prevTimezone string) []Handler {
	if a.Type == domain.AssessmentClinical {
		return []Handler{
			{Kind: KindClinicalReference},
			{Kind: KindDisabledNotification},
		}
	}
	handlers := []Handler{{Kind: KindReferenceTimestamp}}
	if a.Protocol.RepeatProtocol != nil {
		handlers = append(handlers, Handler{Kind: KindRepeatProtocol})
	}
	if a.Protocol.RepeatQuestionnaire != nil {
		handlers = append(handlers, Handler{Kind: KindRepeatQuestionnaire})
	}
	if a.Protocol.Notification != nil && a.Protocol.EstimatedCompletionTime > 0 {
		handlers = append(handlers, Handler{Kind: KindNotification})
	}
	if a.Protocol.Reminders != nil && a.Protocol.Reminders.Repeat > 0 {
		handlers = append(handlers, Handler{Kind: KindReminder})
	}
	if len(prevTasks) > 0 {
		handlers = append(handlers, Handler{
			Kind:         KindCompletedCarryOver,
			PrevTasks:    prevTasks,
			PrevTimezone: prevTimezone,
		})
	}
	return handlers
}

// Run threads a fresh AssessmentSchedule through the handler chain in order.
func (r Runner) Run(a domain.Assessment, subject domain.Subject, handlers []Handler) (domain.AssessmentSchedule, error) {
	s := domain.AssessmentSchedule{}
	for _, h := range handlers {
		if err := r.apply(h, a, subject, &s); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (r Runner) apply(h Handler, a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) error {
	switch h.Kind {
	case KindReferenceTimestamp:
		return r.applyReferenceTimestamp(a, subject, s)
	case KindClinicalReference:
		s.Name = a.Name
		return nil
	case KindRepeatProtocol:
		r.applyRepeatProtocol(a, subject, s)
		return nil
	case KindRepeatQuestionnaire:
		r.applyRepeatQuestionnaire(a, subject, s)
		return nil
	case KindNotification:
		r.applyNotification(a, subject, s)
		return nil
	case KindReminder:
		r.applyReminder(a, subject, s)
		return nil
	case KindCompletedCarryOver:
		applyCompletedCarryOver(h, subject, s)
		return nil
	case KindDisabledNotification:
		s.Notifications = nil
		s.Reminders = nil
		return nil
	default:
		return fmt.Errorf("unknown handler kind %d", h.Kind)
	}
}

func (r Runner) applyReferenceTimestamp(a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) error {
	s.Name = a.Name
	loc := subject.Location()
	now := r.now()

	if rule := a.Protocol.ReferenceTimestamp; rule != nil {
		ref, err := resolveReference(rule, now, loc)
		if err != nil {
			return ConfigurationError{Assessment: a.Name, Reason: err.Error()}
		}
		s.ReferenceTimestamp = &ref
		return nil
	}
	enrolment := subject.Enrolment()
	if enrolment.IsZero() {
		return ConfigurationError{Assessment: a.Name, Reason: "no reference timestamp rule and no enrolment date"}
	}
	ref := timecalc.TruncateToMidnight(enrolment, loc)
	s.ReferenceTimestamp = &ref
	return nil
}

func resolveReference(rule *domain.ReferenceTimestamp, now time.Time, loc *time.Location) (time.Time, error) {
	switch rule.Format {
	case domain.RefDate:
		return time.ParseInLocation("2006-01-02", rule.Timestamp, loc)
	case domain.RefDatetime:
		return time.ParseInLocation("2006-01-02T15:04:05", rule.Timestamp, loc)
	case domain.RefDatetimeUTC:
		return time.Parse(time.RFC3339, rule.Timestamp)
	case domain.RefNow:
		return now, nil
	case domain.RefToday:
		return timecalc.TruncateToMidnight(now, loc), nil
	default:
		return time.Time{}, fmt.Errorf("unrecognized reference timestamp format %q", rule.Format)
	}
}

// applyRepeatProtocol expands the reference timestamp into occurrence
// timestamps, clamped to [now-1w, now+1w] and bounded by maxOccurrenceYear.
func (r Runner) applyRepeatProtocol(a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) {
	rule := a.Protocol.RepeatProtocol
	if rule == nil || s.ReferenceTimestamp == nil {
		return
	}
	loc := subject.Location()
	now := r.now()
	windowStart := now.Add(-pastHorizon)
	windowEnd := now.Add(futureHorizon)
	days := weekdaySet(rule.DaysOfWeek)

	var occurrences []time.Time
	t := *s.ReferenceTimestamp
	for !t.After(windowEnd) && t.Year() <= maxOccurrenceYear {
		if !t.Before(windowStart) {
			if days == nil || days[t.In(loc).Weekday()] {
				occurrences = append(occurrences, t)
			}
		}
		next := timecalc.Advance(t, rule.Unit, rule.Amount, loc)
		if !next.After(t) {
			// Non-advancing rule (zero or negative amount); bail out
			// rather than loop forever.
			break
		}
		t = next
	}
	s.ReferenceTimestamps = occurrences
}

func weekdaySet(names []string) map[time.Weekday]bool {
	if len(names) == 0 {
		return nil
	}
	byName := map[string]time.Weekday{
		"SUNDAY": time.Sunday, "MONDAY": time.Monday, "TUESDAY": time.Tuesday,
		"WEDNESDAY": time.Wednesday, "THURSDAY": time.Thursday,
		"FRIDAY": time.Friday, "SATURDAY": time.Saturday,
	}
	set := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		if d, ok := byName[strings.ToUpper(strings.TrimSpace(n))]; ok {
			set[d] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// applyRepeatQuestionnaire generates one task per configured offset for each
// occurrence timestamp. An absent occurrence list means no tasks.
func (r Runner) applyRepeatQuestionnaire(a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) {
	rule := a.Protocol.RepeatQuestionnaire
	if rule == nil || len(s.ReferenceTimestamps) == 0 {
		return
	}
	loc := subject.Location()
	window := completionWindowMillis(a)

	var tasks []domain.Task
	for _, ref := range s.ReferenceTimestamps {
		switch {
		case len(rule.Offsets) > 0:
			for _, off := range rule.Offsets {
				ts := timecalc.Advance(ref, rule.Unit, off, loc)
				tasks = append(tasks, builder.Task(a, subject, ts, window))
			}
		case len(rule.RandomOffsets) > 0:
			// One uniform sample per range, independently per occurrence.
			for _, rng := range rule.RandomOffsets {
				off := rng.Min
				if rng.Max > rng.Min {
					off += r.randN(rng.Max - rng.Min + 1)
				}
				ts := timecalc.Advance(ref, rule.Unit, off, loc)
				tasks = append(tasks, builder.Task(a, subject, ts, window))
			}
		case len(rule.DayOfWeekOffsets) > 0:
			name := strings.ToUpper(ref.In(loc).Weekday().String())
			if off, ok := rule.DayOfWeekOffsets[name]; ok {
				ts := timecalc.Advance(ref, rule.Unit, off, loc)
				tasks = append(tasks, builder.Task(a, subject, ts, window))
			}
		}
	}
	s.Tasks = tasks
}

func completionWindowMillis(a domain.Assessment) int64 {
	if cw := a.Protocol.CompletionWindow; cw != nil {
		return timecalc.PeriodToMillis(cw.Unit, cw.Amount)
	}
	return builder.DefaultCompletionWindow
}

// applyNotification builds one notification per task, scheduled at the task
// instant, then drops any whose delivery window has already closed.
func (r Runner) applyNotification(a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) {
	rule := a.Protocol.Notification
	if rule == nil || len(s.Tasks) == 0 {
		return
	}
	now := r.now()
	title := localized(rule.Title, subject.Language, a.Name, "Questionnaire time")
	body := localized(rule.Body, subject.Language, a.Name, "{assessment} is ready")

	var notifications []domain.Message
	for _, task := range s.Tasks {
		n := builder.Notification(task, time.UnixMilli(task.Timestamp), title, body, rule.EmailEnabled)
		if n.Expired(now) {
			continue
		}
		notifications = append(notifications, n)
	}
	s.Notifications = notifications
}

// applyReminder schedules repeat reminder slots after each task at
// spacing*slot offsets, dropping elapsed ones like the notification stage.
func (r Runner) applyReminder(a domain.Assessment, subject domain.Subject, s *domain.AssessmentSchedule) {
	rule := a.Protocol.Reminders
	if rule == nil || rule.Repeat <= 0 || len(s.Tasks) == 0 {
		return
	}
	loc := subject.Location()
	now := r.now()
	body := substitute(defaultReminderBody, a.Name)

	var reminders []domain.Message
	for _, task := range s.Tasks {
		taskTime := time.UnixMilli(task.Timestamp)
		for slot := 1; slot <= rule.Repeat; slot++ {
			at := timecalc.Advance(taskTime, rule.Unit, rule.Amount*int64(slot), loc)
			m := builder.Notification(task, at, defaultReminderTitle, body, rule.EmailEnabled)
			if m.Expired(now) {
				continue
			}
			reminders = append(reminders, m)
		}
	}
	s.Reminders = reminders
}

// applyCompletedCarryOver copies completion state from the subject's
// previous tasks onto matching new tasks. When the timezone changed between
// generations, the new task's timestamp is first translated into the
// previous timezone's offset before matching on (name, timestamp).
func applyCompletedCarryOver(h Handler, subject domain.Subject, s *domain.AssessmentSchedule) {
	if len(h.PrevTasks) == 0 || len(s.Tasks) == 0 {
		return
	}
	completed := make(map[string]domain.Task, len(h.PrevTasks))
	for _, prev := range h.PrevTasks {
		if prev.Status == domain.TaskCompleted {
			completed[matchKey(prev.Name, prev.Timestamp)] = prev
		}
	}
	if len(completed) == 0 {
		return
	}

	translate := translation(subject, h.PrevTimezone)
	for i := range s.Tasks {
		ts := s.Tasks[i].Timestamp
		if translate != nil {
			ts = translate(ts)
		}
		prev, ok := completed[matchKey(s.Tasks[i].Name, ts)]
		if !ok {
			continue
		}
		s.Tasks[i].Completed = true
		s.Tasks[i].CompletedAt = prev.CompletedAt
		s.Tasks[i].Status = domain.TaskCompleted
	}
}

// translation returns nil when no timezone shift happened. Otherwise it maps
// a new-zone instant to the instant with the same wall-clock reading in the
// previous zone.
func translation(subject domain.Subject, prevTimezone string) func(int64) int64 {
	if prevTimezone == "" || prevTimezone == subject.Timezone {
		return nil
	}
	prevLoc, err := time.LoadLocation(prevTimezone)
	if err != nil {
		return nil
	}
	newLoc := subject.Location()
	return func(millis int64) int64 {
		t := time.UnixMilli(millis)
		_, newOff := t.In(newLoc).Zone()
		_, prevOff := t.In(prevLoc).Zone()
		return t.Add(time.Duration(newOff-prevOff) * time.Second).UnixMilli()
	}
}

func matchKey(name string, millis int64) string {
	return fmt.Sprintf("%s|%d", name, millis)
}

func localized(texts map[string]string, language, assessment, fallback string) string {
	if len(texts) == 0 {
		return substitute(fallback, assessment)
	}
	if language != "" {
		if v, ok := texts[language]; ok {
			return substitute(v, assessment)
		}
	}
	if v, ok := texts[defaultLocale]; ok {
		return substitute(v, assessment)
	}
	for _, v := range texts {
		return substitute(v, assessment)
	}
	return substitute(fallback, assessment)
}

func substitute(text, assessment string) string {
	return strings.ReplaceAll(text, "{assessment}", assessment)
}
