package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/am-ricci/casaflow/backend/models"
)

func TestDefaultsSeededOnFirstAccess(t *testing.T) {
	e := newBillingEnv(t)

	d, err := e.billing.GetDefaults(e.userID)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, d.Tari, 1e-9)
	assert.InDelta(t, 3.0, d.MeterFee, 1e-9)
	assert.InDelta(t, 0.75, d.UnitCosts.Electricity, 1e-9)
	assert.InDelta(t, 3.40, d.UnitCosts.Water, 1e-9)
	assert.InDelta(t, 4.45, d.UnitCosts.Gas, 1e-9)
	assert.Equal(t, models.AutomationManual, d.AutomationType)
	assert.Equal(t, 5, d.AutomationDays)
	assert.Nil(t, d.UpdatedBy)

	// The row persisted; a second access reads it back instead of reseeding.
	again, err := e.billing.GetDefaults(e.userID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
}

func TestUpsertDefaultsPartialUpdate(t *testing.T) {
	e := newBillingEnv(t)

	var payload BillingDefaultsUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"tari":18.5}`), &payload))

	d, err := e.billing.UpsertDefaults(e.userID, payload, e.userID)
	require.NoError(t, err)
	assert.InDelta(t, 18.5, d.Tari, 1e-9)
	assert.InDelta(t, 3.0, d.MeterFee, 1e-9)
	assert.InDelta(t, 0.75, d.UnitCosts.Electricity, 1e-9)
	require.NotNil(t, d.UpdatedBy)
	assert.Equal(t, e.userID, *d.UpdatedBy)

	// Nested partial: only the water unit cost moves.
	payload = BillingDefaultsUpdate{}
	require.NoError(t, json.Unmarshal([]byte(`{"unitCosts":{"water":3.6}}`), &payload))

	d, err = e.billing.UpsertDefaults(e.userID, payload, e.userID)
	require.NoError(t, err)
	assert.InDelta(t, 3.6, d.UnitCosts.Water, 1e-9)
	assert.InDelta(t, 0.75, d.UnitCosts.Electricity, 1e-9)
	assert.InDelta(t, 4.45, d.UnitCosts.Gas, 1e-9)
	assert.InDelta(t, 18.5, d.Tari, 1e-9)

	reloaded, err := e.billing.GetDefaults(e.userID)
	require.NoError(t, err)
	assert.InDelta(t, 18.5, reloaded.Tari, 1e-9)
	assert.InDelta(t, 3.6, reloaded.UnitCosts.Water, 1e-9)
}

func TestUpsertDefaultsAutomation(t *testing.T) {
	e := newBillingEnv(t)

	var payload BillingDefaultsUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"automationType":"scheduled","automationDays":10}`), &payload))

	d, err := e.billing.UpsertDefaults(e.userID, payload, e.userID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationScheduled, d.AutomationType)
	assert.Equal(t, 10, d.AutomationDays)

	reloaded, err := e.billing.GetDefaults(e.userID)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationScheduled, reloaded.AutomationType)
	assert.Equal(t, 10, reloaded.AutomationDays)
}

func TestDefaultsArePerUser(t *testing.T) {
	e := newBillingEnv(t)
	other := createTestUser(t, e.db)

	var payload BillingDefaultsUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"tari":99}`), &payload))
	_, err := e.billing.UpsertDefaults(e.userID, payload, e.userID)
	require.NoError(t, err)

	d, err := e.billing.GetDefaults(other)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, d.Tari, 1e-9)
}
