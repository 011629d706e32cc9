package db

import (
	"errors"

	"gorm.io/gorm"
)

// EngineStateSchema survives restarts so the tick loop resumes where it stopped.
type EngineStateSchema struct {
	ID     uint `gorm:"primarykey"`
	Paused bool
	// NextTick is the tick the loop runs next.
	NextTick int
}

func GetEngineState() (EngineStateSchema, error) {
	var state EngineStateSchema
	result := db.First(&state)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return EngineStateSchema{}, nil
		}
		return EngineStateSchema{}, result.Error
	}
	return state, nil
}

func SetEngineState(paused bool, nextTick int) error {
	var state EngineStateSchema
	result := db.First(&state)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			state.Paused = paused
			state.NextTick = nextTick
			return db.Create(&state).Error
		}
		return result.Error
	}

	state.Paused = paused
	state.NextTick = nextTick
	return db.Save(&state).Error
}
