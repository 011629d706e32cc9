package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gameserver/engine/config"
)

// TeamSchema mirrors the configured teams; ID is the id packed into flags.
type TeamSchema struct {
	ID      uint   `gorm:"primaryKey;autoIncrement:false"`
	Name    string `gorm:"unique"`
	Address string
	Active  bool
	Results []CheckResultSchema `gorm:"foreignKey:TeamID"`
}

// AddTeams makes the team table match conf in one transaction. Known teams
// get their name, address and state refreshed, teams no longer configured
// are deactivated so their results stay attributable.
func AddTeams(conf *config.ConfigSettings) error {
	rows := make([]TeamSchema, 0, len(conf.Team))
	ids := make([]uint, 0, len(conf.Team))
	for _, team := range conf.Team {
		rows = append(rows, TeamSchema{ID: uint(team.ID), Name: team.Name, Address: team.IP, Active: !team.Disabled})
		ids = append(ids, uint(team.ID))
	}

	return db.Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&TeamSchema{})
		if len(ids) > 0 {
			stale = stale.Where("id NOT IN ?", ids)
		} else {
			stale = stale.Where("1 = 1")
		}
		if err := stale.Update("active", false).Error; err != nil {
			return fmt.Errorf("deactivate removed teams: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "address", "active"}),
		}).Omit(clause.Associations).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("upsert teams: %w", err)
		}
		return nil
	})
}

// GetTeams lists every team ever configured, ordered by id.
func GetTeams() ([]TeamSchema, error) {
	var teams []TeamSchema
	if err := db.Order("id").Find(&teams).Error; err != nil {
		return nil, err
	}
	return teams, nil
}
