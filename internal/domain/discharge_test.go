package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeakDischarges(t *testing.T) {
	base := time.Date(2017, time.August, 28, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

	series := []ForecastSeries{
		{Reach: 1, Samples: []ForecastSample{
			{ValidTime: at(1), Discharge: 12.5},
			{ValidTime: at(2), Discharge: 40.1},
			{ValidTime: at(3), Discharge: 33.0},
		}},
		{Reach: 2, Samples: []ForecastSample{
			{ValidTime: at(1), Discharge: math.NaN()},
			{ValidTime: at(2), Discharge: 7},
		}},
		{Reach: 3, Samples: []ForecastSample{
			{ValidTime: at(1), Discharge: math.NaN()},
		}},
		{Reach: 1, Samples: []ForecastSample{
			{ValidTime: at(18), Discharge: 55},
		}},
	}

	t.Run("open window", func(t *testing.T) {
		got := PeakDischarges(series, Window{})
		assert.Equal(t, map[CatchmentID]float64{1: 55, 2: 7}, got)
	})

	t.Run("bounded window", func(t *testing.T) {
		got := PeakDischarges(series, Window{From: at(1), To: at(2)})
		assert.Equal(t, map[CatchmentID]float64{1: 40.1, 2: 7}, got)
	})

	t.Run("window excludes everything", func(t *testing.T) {
		got := PeakDischarges(series, Window{From: at(100)})
		assert.Empty(t, got)
	})
}

func TestWindow_Contains(t *testing.T) {
	from := time.Date(2017, time.August, 28, 0, 0, 0, 0, time.UTC)
	to := from.Add(18 * time.Hour)
	w := Window{From: from, To: to}

	assert.True(t, w.Contains(from))
	assert.True(t, w.Contains(to))
	assert.False(t, w.Contains(from.Add(-time.Second)))
	assert.False(t, w.Contains(to.Add(time.Second)))
	assert.True(t, Window{}.Contains(time.Time{}))
}

func TestAssignDischarge(t *testing.T) {
	segments := []Segment{
		{ID: 1, Catchment: 10},
		{ID: 2, Catchment: 20},
		{ID: 3, Catchment: 10},
	}

	got, missing := AssignDischarge(segments, map[CatchmentID]float64{10: 88})

	require.Len(t, got, 3)
	assert.Equal(t, 88.0, *got[0].Discharge)
	assert.Nil(t, got[1].Discharge)
	assert.Equal(t, 88.0, *got[2].Discharge)
	require.Len(t, missing, 1)
	assert.Equal(t, SegmentID(2), missing[0].Segment)
	assert.Equal(t, CatchmentID(20), missing[0].Catchment)
	assert.Equal(t, ReasonNoForecast, missing[0].Reason)
}
