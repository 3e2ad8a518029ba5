package service

import (
	"math"
	"sort"

	"github.com/noah-isme/bktutor-api/internal/models"
)

const (
	attendanceSaturation = 10
	attendanceWeight     = 50.0
	ratingWeight         = 40.0
	trendWeight          = 10.0
)

// DeriveProgress computes one record per subject from the student's completed
// sessions. It has no side effects and ignores sessions of other students or
// in any other status, so callers may pass an unfiltered slice.
//
// improvementScore = clamp(round(50*min(n,10)/10 + 40*avg/5 + 10*trend), 0, 100)
// where avg is 0 without ratings and trend is (last-first)/4 over ratings in
// chronological order, clamped to [-1, 1] and 0 with fewer than two ratings.
func DeriveProgress(studentID string, sessions []models.Session) []models.ProgressRecord {
	completed := make([]models.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.StudentID == studentID && session.Status == models.SessionStatusCompleted {
			completed = append(completed, session)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		if completed[i].Date != completed[j].Date {
			return completed[i].Date < completed[j].Date
		}
		return completed[i].StartTime < completed[j].StartTime
	})

	groups := make(map[string][]models.Session)
	for _, session := range completed {
		groups[session.Subject] = append(groups[session.Subject], session)
	}

	records := make([]models.ProgressRecord, 0, len(groups))
	for subject, group := range groups {
		records = append(records, summarise(studentID, subject, group))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Subject < records[j].Subject })
	return records
}

// group is in chronological order.
func summarise(studentID, subject string, group []models.Session) models.ProgressRecord {
	record := models.ProgressRecord{
		StudentID:        studentID,
		Subject:          subject,
		SessionsAttended: len(group),
	}

	ratings := make([]int, 0, len(group))
	for _, session := range group {
		if session.Date > record.LastSessionDate {
			record.LastSessionDate = session.Date
		}
		if session.Rating != nil {
			ratings = append(ratings, *session.Rating)
		}
	}

	var avg float64
	if len(ratings) > 0 {
		sum := 0
		for _, r := range ratings {
			sum += r
		}
		avg = float64(sum) / float64(len(ratings))
		mean := avg
		record.AverageRating = &mean
		record.RatedSessions = len(ratings)
	}

	var trend float64
	if len(ratings) >= 2 {
		trend = clamp(float64(ratings[len(ratings)-1]-ratings[0])/4, -1, 1)
	}

	attended := math.Min(float64(len(group)), attendanceSaturation)
	raw := attendanceWeight*attended/attendanceSaturation + ratingWeight*avg/5 + trendWeight*trend
	record.ImprovementScore = int(clamp(math.Round(raw), 0, 100))
	return record
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
