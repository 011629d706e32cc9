package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gameserver/engine/checker"
	"gameserver/engine/harness"
)

type TickSchema struct {
	ID        uint
	Number    int `gorm:"uniqueIndex"`
	StartTime time.Time
	EndTime   time.Time
}

// CheckResultSchema is one finished unit.
type CheckResultSchema struct {
	ID        uint
	TeamID    uint   `gorm:"index:idx_result_lookup"`
	Tick      int    `gorm:"index:idx_result_lookup"`
	Service   string `gorm:"index:idx_result_lookup"`
	Phase     string
	Origin    int
	Outcome   string
	Message   string
	Log       string
	Review    bool
	StartedAt time.Time
	Duration  time.Duration
}

func fromResult(r harness.Result) CheckResultSchema {
	return CheckResultSchema{
		TeamID:    uint(r.TeamID),
		Tick:      r.Tick,
		Service:   r.Service,
		Phase:     string(r.Phase),
		Origin:    r.Origin,
		Outcome:   string(r.Outcome),
		Message:   r.Message,
		Log:       r.Log,
		Review:    r.Review,
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
	}
}

func (c CheckResultSchema) Result() harness.Result {
	return harness.Result{
		Service:   c.Service,
		TeamID:    int(c.TeamID),
		Tick:      c.Tick,
		Phase:     harness.Phase(c.Phase),
		Origin:    c.Origin,
		Outcome:   checker.Outcome(c.Outcome),
		Message:   c.Message,
		Log:       c.Log,
		Review:    c.Review,
		StartedAt: c.StartedAt,
		Duration:  c.Duration,
	}
}

// StartTick records the start of tick, replacing an earlier run of the same number.
func StartTick(number int, start time.Time) (TickSchema, error) {
	tick := TickSchema{Number: number, StartTime: start}
	result := db.Table("tick_schemas").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"start_time", "end_time"}),
	}).Create(&tick)
	if result.Error != nil {
		return TickSchema{}, result.Error
	}
	return tick, nil
}

func EndTick(number int, end time.Time) error {
	return db.Table("tick_schemas").Where("number = ?", number).Update("end_time", end).Error
}

// GetLastTick returns the newest started tick; ok is false before the first one.
func GetLastTick() (TickSchema, bool, error) {
	var tick TickSchema
	result := db.Table("tick_schemas").Order("number desc").First(&tick)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return tick, false, nil
		}
		return TickSchema{}, false, result.Error
	}
	return tick, true, nil
}

// SaveResults stores the results of one tick. Results of a tick that is run
// again replace the old ones.
func SaveResults(tick int, results []harness.Result) error {
	rows := make([]CheckResultSchema, 0, len(results))
	for _, r := range results {
		rows = append(rows, fromResult(r))
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tick = ?", tick).Delete(&CheckResultSchema{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

type ResultFilter struct {
	Tick    *int
	TeamID  int
	Service string
	Limit   int
}

func GetResults(f ResultFilter) ([]CheckResultSchema, error) {
	var results []CheckResultSchema
	q := db.Table("check_result_schemas")
	if f.Tick != nil {
		q = q.Where("tick = ?", *f.Tick)
	}
	if f.TeamID != 0 {
		q = q.Where("team_id = ?", f.TeamID)
	}
	if f.Service != "" {
		q = q.Where("service = ?", f.Service)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	result := q.Order("tick desc, team_id, service, phase, origin desc").Find(&results)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return results, nil
		}
		return nil, result.Error
	}
	return results, nil
}

// GetLatestResults returns the results of the newest tick that has any.
func GetLatestResults() (int, []CheckResultSchema, error) {
	var latest CheckResultSchema
	result := db.Table("check_result_schemas").Order("tick desc").First(&latest)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, nil, nil
		}
		return 0, nil, result.Error
	}
	results, err := GetResults(ResultFilter{Tick: &latest.Tick})
	return latest.Tick, results, err
}
