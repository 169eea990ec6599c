// Package sla classifies open tasks by timeliness. It is pure: callers pass
// the tasks and the reference time.
package sla

import (
	"math"
	"sort"
	"time"

	"capaflow/internal/domain"
)

type Bucket string

const (
	OnTime   Bucket = "on_time"
	DueSoon  Bucket = "due_soon"
	DueToday Bucket = "due_today"
	Overdue  Bucket = "overdue"
)

type Policy struct {
	// DueSoonDays is the largest number of remaining days still counted as
	// due soon.
	DueSoonDays int
	// TopN caps the most-overdue list; zero or less lists every overdue task.
	TopN int
}

func DefaultPolicy() Policy {
	return Policy{DueSoonDays: 3, TopN: 10}
}

type Counts struct {
	OnTime   int `json:"on_time"`
	DueSoon  int `json:"due_soon"`
	DueToday int `json:"due_today"`
	Overdue  int `json:"overdue"`
	Total    int `json:"total"`
}

type Percentages struct {
	OnTime   float64 `json:"on_time"`
	DueSoon  float64 `json:"due_soon"`
	DueToday float64 `json:"due_today"`
	Overdue  float64 `json:"overdue"`
}

type Item struct {
	TaskID            string    `json:"task_id"`
	NonConformityID   string    `json:"non_conformity_id"`
	TaskType          string    `json:"task_type"`
	Title             string    `json:"title"`
	ResponsibleUserID string    `json:"responsible_user_id,omitempty"`
	DueDate           time.Time `json:"due_date" format:"date-time"`
	DaysOverdue       int       `json:"days_overdue"`
}

type Report struct {
	Counts      Counts      `json:"counts"`
	Percentages Percentages `json:"percentages"`
	MostOverdue []Item      `json:"most_overdue"`
}

// DaysOverdue is the whole calendar days from due to now; negative while
// the task is not yet due.
func DaysOverdue(due, now time.Time) int {
	return domain.DaysBetween(due, now)
}

// Classify places one due date in exactly one bucket.
func Classify(due, now time.Time, p Policy) (Bucket, int) {
	d := DaysOverdue(due, now)
	switch {
	case d > 0:
		return Overdue, d
	case d == 0:
		return DueToday, d
	case -d <= p.DueSoonDays:
		return DueSoon, d
	default:
		return OnTime, d
	}
}

// Analyze buckets every non-terminal task. Terminal tasks are ignored.
func Analyze(tasks []domain.Task, now time.Time, p Policy) Report {
	rep := Report{MostOverdue: []Item{}}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		bucket, days := Classify(t.DueDate, now, p)
		rep.Counts.Total++
		switch bucket {
		case Overdue:
			rep.Counts.Overdue++
			rep.MostOverdue = append(rep.MostOverdue, Item{
				TaskID:            t.ID,
				NonConformityID:   t.NonConformityID,
				TaskType:          string(t.TaskType),
				Title:             t.Title,
				ResponsibleUserID: t.ResponsibleUserID,
				DueDate:           t.DueDate,
				DaysOverdue:       days,
			})
		case DueToday:
			rep.Counts.DueToday++
		case DueSoon:
			rep.Counts.DueSoon++
		default:
			rep.Counts.OnTime++
		}
	}
	if n := rep.Counts.Total; n > 0 {
		rep.Percentages = Percentages{
			OnTime:   percent(rep.Counts.OnTime, n),
			DueSoon:  percent(rep.Counts.DueSoon, n),
			DueToday: percent(rep.Counts.DueToday, n),
			Overdue:  percent(rep.Counts.Overdue, n),
		}
	}
	sort.Slice(rep.MostOverdue, func(i, j int) bool {
		a, b := rep.MostOverdue[i], rep.MostOverdue[j]
		if a.DaysOverdue != b.DaysOverdue {
			return a.DaysOverdue > b.DaysOverdue
		}
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return a.TaskID < b.TaskID
	})
	if p.TopN > 0 && len(rep.MostOverdue) > p.TopN {
		rep.MostOverdue = rep.MostOverdue[:p.TopN]
	}
	return rep
}

func percent(part, total int) float64 {
	return math.Round(float64(part)*10000/float64(total)) / 100
}
