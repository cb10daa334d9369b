package services

import (
	"database/sql"

	"github.com/am-ricci/casaflow/backend/models"
)

// Hardcoded seed values for a user's billing defaults. Tari is the waste
// tax, billed as a fixed monthly line.
const (
	defaultTari            = 15.00
	defaultMeterFee        = 3.00
	defaultCostElectricity = 0.75
	defaultCostWater       = 3.40
	defaultCostGas         = 4.45
)

type BillingDefaultsUpdate struct {
	Tari      *float64 `json:"tari" validate:"omitempty,gte=0"`
	MeterFee  *float64 `json:"meterFee" validate:"omitempty,gte=0"`
	UnitCosts *struct {
		Electricity *float64 `json:"electricity" validate:"omitempty,gte=0"`
		Water       *float64 `json:"water" validate:"omitempty,gte=0"`
		Gas         *float64 `json:"gas" validate:"omitempty,gte=0"`
	} `json:"unitCosts"`
	AutomationType *string `json:"automationType" validate:"omitempty,oneof=manual immediate scheduled"`
	AutomationDays *int    `json:"automationDays" validate:"omitempty,gte=0,lte=60"`
}

// GetDefaults returns the user's billing defaults, creating the row with
// the seed values on first access.
func (bs *BillingService) GetDefaults(userID int) (*models.BillingDefaults, error) {
	var defaults *models.BillingDefaults
	err := withTx(bs.db, func(tx *sql.Tx) error {
		d, err := getDefaultsTx(tx, userID)
		if err != nil {
			return err
		}
		defaults = d
		return nil
	})
	return defaults, err
}

// UpsertDefaults applies only the provided fields and stamps updated_by.
func (bs *BillingService) UpsertDefaults(userID int, payload BillingDefaultsUpdate, updatedBy int) (*models.BillingDefaults, error) {
	var defaults *models.BillingDefaults

	err := withTx(bs.db, func(tx *sql.Tx) error {
		d, err := getDefaultsTx(tx, userID)
		if err != nil {
			return err
		}

		if payload.Tari != nil {
			d.Tari = *payload.Tari
		}
		if payload.MeterFee != nil {
			d.MeterFee = *payload.MeterFee
		}
		if payload.UnitCosts != nil {
			if payload.UnitCosts.Electricity != nil {
				d.UnitCosts.Electricity = *payload.UnitCosts.Electricity
			}
			if payload.UnitCosts.Water != nil {
				d.UnitCosts.Water = *payload.UnitCosts.Water
			}
			if payload.UnitCosts.Gas != nil {
				d.UnitCosts.Gas = *payload.UnitCosts.Gas
			}
		}
		if payload.AutomationType != nil {
			d.AutomationType = *payload.AutomationType
		}
		if payload.AutomationDays != nil {
			d.AutomationDays = *payload.AutomationDays
		}
		d.UpdatedBy = &updatedBy

		_, err = tx.Exec(`
			UPDATE billing_defaults
			SET tari = ?, meter_fee = ?, unit_cost_electricity = ?, unit_cost_water = ?,
			    unit_cost_gas = ?, automation_type = ?, automation_days = ?, updated_by = ?
			WHERE user_id = ?
		`, d.Tari, d.MeterFee, d.UnitCosts.Electricity, d.UnitCosts.Water,
			d.UnitCosts.Gas, d.AutomationType, d.AutomationDays, updatedBy, userID)
		if err != nil {
			return err
		}

		defaults = d
		return nil
	})
	return defaults, err
}

func getDefaultsTx(tx *sql.Tx, userID int) (*models.BillingDefaults, error) {
	d := &models.BillingDefaults{UserID: userID}
	var updatedBy sql.NullInt64

	err := tx.QueryRow(`
		SELECT id, tari, meter_fee, unit_cost_electricity, unit_cost_water, unit_cost_gas,
		       automation_type, automation_days, updated_by
		FROM billing_defaults WHERE user_id = ?
	`, userID).Scan(&d.ID, &d.Tari, &d.MeterFee, &d.UnitCosts.Electricity,
		&d.UnitCosts.Water, &d.UnitCosts.Gas, &d.AutomationType, &d.AutomationDays, &updatedBy)

	if err == sql.ErrNoRows {
		res, err := tx.Exec(`
			INSERT INTO billing_defaults
				(user_id, tari, meter_fee, unit_cost_electricity, unit_cost_water, unit_cost_gas,
				 automation_type, automation_days)
			VALUES (?, ?, ?, ?, ?, ?, 'manual', 5)
		`, userID, defaultTari, defaultMeterFee, defaultCostElectricity, defaultCostWater, defaultCostGas)
		if err != nil {
			return nil, err
		}
		id, _ := res.LastInsertId()

		d.ID = int(id)
		d.Tari = defaultTari
		d.MeterFee = defaultMeterFee
		d.UnitCosts = models.UnitCosts{
			Electricity: defaultCostElectricity,
			Water:       defaultCostWater,
			Gas:         defaultCostGas,
		}
		d.AutomationType = models.AutomationManual
		d.AutomationDays = 5
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	if updatedBy.Valid {
		v := int(updatedBy.Int64)
		d.UpdatedBy = &v
	}
	return d, nil
}
