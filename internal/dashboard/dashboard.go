// Package dashboard aggregates an organization's non-conformities and open
// tasks into the statistics shown on the quality dashboard.
package dashboard

import (
	"time"

	"capaflow/internal/domain"
	"capaflow/internal/sla"
)

type Snapshot struct {
	NonConformities []domain.NonConformity
	Tasks           []domain.Task
}

type Options struct {
	TrendMonths int
	SLA         sla.Policy
}

type StageCount struct {
	Stage int    `json:"stage"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type SeverityCount struct {
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// MonthPoint counts NCs opened and closed within one calendar month (YYYY-MM).
type MonthPoint struct {
	Month  string `json:"month"`
	Opened int    `json:"opened"`
	Closed int    `json:"closed"`
}

type Stats struct {
	Total          int             `json:"total"`
	Open           int             `json:"open"`
	Closed         int             `json:"closed"`
	Superseded     int             `json:"superseded"`
	OpenByStage    []StageCount    `json:"open_by_stage"`
	OpenBySeverity []SeverityCount `json:"open_by_severity"`
	SLA            sla.Report      `json:"sla"`
	Trend          []MonthPoint    `json:"trend"`
}

func Compute(s Snapshot, now time.Time, opt Options) Stats {
	now = now.UTC()
	months := opt.TrendMonths
	if months < 1 {
		months = 1
	}

	st := Stats{
		OpenByStage:    make([]StageCount, 0, int(domain.LastStage)),
		OpenBySeverity: make([]SeverityCount, 0, len(domain.Severities)),
		Trend:          make([]MonthPoint, months),
	}
	for stage := domain.FirstStage; stage <= domain.LastStage; stage++ {
		st.OpenByStage = append(st.OpenByStage, StageCount{Stage: int(stage), Name: stage.String()})
	}
	sevIndex := map[domain.Severity]int{}
	for i, sev := range domain.Severities {
		sevIndex[sev] = i
		st.OpenBySeverity = append(st.OpenBySeverity, SeverityCount{Severity: string(sev)})
	}

	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	monthIndex := map[string]int{}
	for i := range st.Trend {
		key := first.AddDate(0, i, 0).Format("2006-01")
		st.Trend[i].Month = key
		monthIndex[key] = i
	}

	for _, nc := range s.NonConformities {
		st.Total++
		switch nc.Status {
		case domain.NCStatusOpen:
			st.Open++
			if nc.CurrentStage.Valid() {
				st.OpenByStage[nc.CurrentStage-1].Count++
			}
			if i, ok := sevIndex[nc.Severity]; ok {
				st.OpenBySeverity[i].Count++
			}
		case domain.NCStatusClosed:
			st.Closed++
		case domain.NCStatusSuperseded:
			st.Superseded++
		}
		if i, ok := monthIndex[nc.CreatedAt.UTC().Format("2006-01")]; ok {
			st.Trend[i].Opened++
		}
		if nc.ClosedAt != nil {
			if i, ok := monthIndex[nc.ClosedAt.UTC().Format("2006-01")]; ok {
				st.Trend[i].Closed++
			}
		}
	}

	st.SLA = sla.Analyze(s.Tasks, now, opt.SLA)
	return st
}
