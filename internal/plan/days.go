package plan

import (
	"fmt"
	"sort"
	"time"
)

// Day groups the tasks planned for one date.
type Day struct {
	Date     string
	Tasks    []Task
	Feedback *Feedback
}

// Progress returns completed and total task counts and the rounded-down
// completion percentage.
func (d Day) Progress() (done, total, percent int) {
	total = len(d.Tasks)
	for _, t := range d.Tasks {
		if t.IsCompleted {
			done++
		}
	}
	if total > 0 {
		percent = done * 100 / total
	}
	return done, total, percent
}

// Reflected reports whether feedback exists for the day.
func (d Day) Reflected() bool {
	return d.Feedback != nil && d.Feedback.Text != ""
}

// GroupByDate returns one Day per distinct date, sorted by date, keeping
// task order within a day.
func GroupByDate(tasks []Task, feedback []Feedback) []Day {
	byDate := map[string]*Day{}
	var dates []string
	for _, t := range tasks {
		d, ok := byDate[t.Date]
		if !ok {
			d = &Day{Date: t.Date}
			byDate[t.Date] = d
			dates = append(dates, t.Date)
		}
		d.Tasks = append(d.Tasks, t)
	}
	for i := range feedback {
		if d, ok := byDate[feedback[i].Date]; ok && d.Feedback == nil {
			f := feedback[i]
			d.Feedback = &f
		}
	}
	sort.Strings(dates)

	days := make([]Day, 0, len(dates))
	for _, date := range dates {
		days = append(days, *byDate[date])
	}
	return days
}

// ReflectedCount returns how many days already carry feedback.
func ReflectedCount(days []Day) int {
	n := 0
	for _, d := range days {
		if d.Reflected() {
			n++
		}
	}
	return n
}

// AllReflected reports whether there is at least one day and every day has
// feedback, which unlocks the wrap-up prompt.
func AllReflected(days []Day) bool {
	return len(days) > 0 && ReflectedCount(days) == len(days)
}

// DateHeading formats a YYYY-MM-DD date as the day's heading.
func DateHeading(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return date + " 학습 계획"
	}
	return t.Format("06-01-02") + " 학습 계획"
}

// DayCompletePrompt is the message sent when the user closes out a day.
func DayCompletePrompt(d Day) string {
	done, total, _ := d.Progress()
	return fmt.Sprintf("%s의 학습을 마쳤습니다. %d/%d 할 일을 완료했습니다.", d.Date, done, total)
}

// WrapUpPrompt is the message asking for a summary of the whole plan.
// It returns false when there are no days.
func WrapUpPrompt(days []Day) (string, bool) {
	if len(days) == 0 {
		return "", false
	}
	first, last := days[0].Date, days[len(days)-1].Date
	return fmt.Sprintf("%s부터 %s까지의 학습을 모두 마쳤습니다. 이번 주 학습 내용을 종합하여 정리하고, 성찰록을 종합해주세요.", first, last), true
}
