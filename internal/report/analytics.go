package report

import (
	"math"
	"time"

	"rxledger/internal/model"
)

const trendDays = 7

// TrendDay counts one calendar day.
type TrendDay struct {
	Date     string `json:"date"`
	Day      string `json:"day"`
	Issued   int    `json:"issued"`
	Verified int    `json:"verified"`
	Used     int    `json:"used"`
}

// Analytics summarizes the mirror. Every issued record counts as verified.
type Analytics struct {
	TotalIssued   int        `json:"totalIssued"`
	TotalVerified int        `json:"totalVerified"`
	TotalUsed     int        `json:"totalUsed"`
	Pending       int        `json:"pending"`
	IssuedToday   int        `json:"issuedToday"`
	VerifiedToday int        `json:"verifiedToday"`
	UsedToday     int        `json:"usedToday"`
	SuccessRate   int        `json:"successRate"`
	Trend         []TrendDay `json:"trend"`
}

// ComputeAnalytics counts records by calendar day in loc. The trend covers
// the seven days ending today, oldest first.
func ComputeAnalytics(records []model.Prescription, now time.Time, loc *time.Location) Analytics {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var a Analytics
	a.TotalIssued = len(records)
	for _, r := range records {
		if r.IsUsed() {
			a.TotalUsed++
		}
	}
	a.TotalVerified = a.TotalIssued
	a.Pending = a.TotalIssued - a.TotalUsed
	if a.TotalIssued > 0 {
		a.SuccessRate = int(math.Round(float64(a.TotalUsed) / float64(a.TotalIssued) * 100))
	}

	a.Trend = make([]TrendDay, 0, trendDays)
	for i := trendDays - 1; i >= 0; i-- {
		start := today.AddDate(0, 0, -i)
		end := start.AddDate(0, 0, 1)
		day := TrendDay{Date: start.Format("2006-01-02"), Day: start.Format("Mon")}
		for _, r := range records {
			if within(r.IssuedAt, start, end) {
				day.Issued++
			}
			if r.UsedAt != nil && within(*r.UsedAt, start, end) {
				day.Used++
			}
		}
		day.Verified = day.Issued
		a.Trend = append(a.Trend, day)
	}

	last := a.Trend[len(a.Trend)-1]
	a.IssuedToday = last.Issued
	a.VerifiedToday = last.Issued
	a.UsedToday = last.Used
	return a
}

func within(ms int64, start, end time.Time) bool {
	return ms >= start.UnixMilli() && ms < end.UnixMilli()
}
