package services

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReadingEnv(t *testing.T) (*ReadingService, *sql.DB, int, int) {
	t.Helper()
	db := newTestDB(t)
	userID := createTestUser(t, db)
	apartmentID := createTestApartment(t, db, userID)
	return NewReadingService(db, nil), db, userID, apartmentID
}

func countReadings(t *testing.T, db *sql.DB, apartmentID int) int {
	t.Helper()
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM utility_readings
		WHERE apartment_id = ? AND deleted_at IS NULL
	`, apartmentID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestCreateReadingStartsChain(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)

	r, err := svc.Create(userID, ReadingInput{
		ApartmentID:     apartmentID,
		Type:            "electricity",
		ReadingDate:     isoDaysAgo(30),
		PreviousReading: 100,
		CurrentReading:  150,
		UnitCost:        0.25,
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, r.PreviousReading)
	assert.Equal(t, 150.0, r.CurrentReading)
	assert.InDelta(t, 50.0, r.Consumption, 1e-9)
	assert.InDelta(t, 12.5, r.TotalCost, 1e-9)
	assert.False(t, r.IsSpecialReading)
}

func TestCreateReadingDerivesPreviousFromChain(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)

	_, err := svc.Create(userID, ReadingInput{
		ApartmentID:    apartmentID,
		Type:           "electricity",
		ReadingDate:    isoDaysAgo(30),
		CurrentReading: 150,
	})
	require.NoError(t, err)

	// The caller's previous value is ignored once a predecessor exists.
	r, err := svc.Create(userID, ReadingInput{
		ApartmentID:     apartmentID,
		Type:            "electricity",
		ReadingDate:     isoDaysAgo(20),
		PreviousReading: 999,
		CurrentReading:  180,
	})
	require.NoError(t, err)

	assert.Equal(t, 150.0, r.PreviousReading)
	assert.InDelta(t, 30.0, r.Consumption, 1e-9)
}

func TestCreateReadingRejectsCurrentBelowPrevious(t *testing.T) {
	svc, db, userID, apartmentID := newReadingEnv(t)

	_, err := svc.Create(userID, ReadingInput{
		ApartmentID:    apartmentID,
		Type:           "water",
		ReadingDate:    isoDaysAgo(30),
		CurrentReading: 60,
	})
	require.NoError(t, err)

	_, err = svc.Create(userID, ReadingInput{
		ApartmentID:    apartmentID,
		Type:           "water",
		ReadingDate:    isoDaysAgo(20),
		CurrentReading: 40,
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	assert.Equal(t, 1, countReadings(t, db, apartmentID))
}

func TestCreateBulkAllOrNothing(t *testing.T) {
	svc, db, userID, apartmentID := newReadingEnv(t)

	_, err := svc.CreateBulk(userID, []ReadingInput{
		{ApartmentID: apartmentID, Type: "gas", ReadingDate: isoDaysAgo(30), CurrentReading: 100},
		// Derived previous will be 100; 50 underflows and must sink the batch.
		{ApartmentID: apartmentID, Type: "gas", ReadingDate: isoDaysAgo(20), CurrentReading: 50},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	assert.Equal(t, 0, countReadings(t, db, apartmentID))
}

func TestSubtypeChainsAreIndependent(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	laundry := "laundry"

	_, err := svc.Create(userID, ReadingInput{
		ApartmentID:    apartmentID,
		Type:           "electricity",
		ReadingDate:    isoDaysAgo(10),
		CurrentReading: 500,
	})
	require.NoError(t, err)

	// The laundry sub-meter starts its own chain; the main chain's 500 must
	// not leak in as a previous value.
	r, err := svc.Create(userID, ReadingInput{
		ApartmentID:    apartmentID,
		Type:           "electricity",
		Subtype:        &laundry,
		ReadingDate:    isoDaysAgo(5),
		CurrentReading: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.PreviousReading)
	assert.InDelta(t, 10.0, r.Consumption, 1e-9)

	last, err := svc.LastReading(userID, apartmentID, "electricity", nil)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 500.0, last.CurrentReading)
}

// threeReadingChain seeds an electricity chain 100→150→200→260.
func threeReadingChain(t *testing.T, svc *ReadingService, userID, apartmentID int) (r1, r2, r3 int) {
	t.Helper()

	a, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "electricity",
		ReadingDate: isoDaysAgo(30), PreviousReading: 100, CurrentReading: 150, UnitCost: 0.5,
	})
	require.NoError(t, err)
	b, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "electricity",
		ReadingDate: isoDaysAgo(20), CurrentReading: 200, UnitCost: 0.5,
	})
	require.NoError(t, err)
	c, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "electricity",
		ReadingDate: isoDaysAgo(10), CurrentReading: 260, UnitCost: 0.5,
	})
	require.NoError(t, err)
	return a.ID, b.ID, c.ID
}

func TestUpdateReadingRecalculatesSuccessors(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	r1, r2, r3 := threeReadingChain(t, svc, userID, apartmentID)

	newCurrent := 170.0
	updated, err := svc.Update(userID, r1, ReadingUpdateInput{CurrentReading: &newCurrent})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, updated.Consumption, 1e-9)

	second, err := svc.Get(userID, r2)
	require.NoError(t, err)
	assert.Equal(t, 170.0, second.PreviousReading)
	assert.InDelta(t, 30.0, second.Consumption, 1e-9)
	assert.InDelta(t, 15.0, second.TotalCost, 1e-9)

	// r2's current did not change, so r3 keeps its derivation.
	third, err := svc.Get(userID, r3)
	require.NoError(t, err)
	assert.Equal(t, 200.0, third.PreviousReading)
	assert.InDelta(t, 60.0, third.Consumption, 1e-9)
}

func TestUpdateRejectsWhenSuccessorWouldUnderflow(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	r1, _, _ := threeReadingChain(t, svc, userID, apartmentID)

	// 250 would push r2 (current 200) below its previous value.
	newCurrent := 250.0
	_, err := svc.Update(userID, r1, ReadingUpdateInput{CurrentReading: &newCurrent})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	// The whole transaction rolled back, including the edit itself.
	first, err := svc.Get(userID, r1)
	require.NoError(t, err)
	assert.Equal(t, 150.0, first.CurrentReading)
	assert.InDelta(t, 50.0, first.Consumption, 1e-9)
}

func TestUpdateMovesReadingToLaterDate(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	r1, r2, r3 := threeReadingChain(t, svc, userID, apartmentID)

	// Move r2 behind r3. Both its own derivation and the slot it left must
	// be recomputed: r2 now follows r3, r3 now follows r1.
	newDate := isoDaysAgo(5)
	newCurrent := 300.0
	moved, err := svc.Update(userID, r2, ReadingUpdateInput{
		ReadingDate:    &newDate,
		CurrentReading: &newCurrent,
	})
	require.NoError(t, err)
	assert.Equal(t, 260.0, moved.PreviousReading)
	assert.InDelta(t, 40.0, moved.Consumption, 1e-9)

	third, err := svc.Get(userID, r3)
	require.NoError(t, err)
	assert.Equal(t, 150.0, third.PreviousReading)
	assert.InDelta(t, 110.0, third.Consumption, 1e-9)

	first, err := svc.Get(userID, r1)
	require.NoError(t, err)
	assert.Equal(t, 150.0, first.CurrentReading)
}

func TestDeleteLeavesChainGap(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	_, r2, r3 := threeReadingChain(t, svc, userID, apartmentID)

	require.NoError(t, svc.Delete(userID, r2))

	// No automatic repair: the successor keeps the deleted value as its
	// previous until something recalculates it.
	third, err := svc.Get(userID, r3)
	require.NoError(t, err)
	assert.Equal(t, 200.0, third.PreviousReading)

	// The next edit re-derives from the surviving predecessor.
	newCurrent := 280.0
	updated, err := svc.Update(userID, r3, ReadingUpdateInput{CurrentReading: &newCurrent})
	require.NoError(t, err)
	assert.Equal(t, 150.0, updated.PreviousReading)
	assert.InDelta(t, 130.0, updated.Consumption, 1e-9)
}

func TestDeleteMissingReading(t *testing.T) {
	svc, _, userID, _ := newReadingEnv(t)

	err := svc.Delete(userID, 9999)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestLastReadingPicksNewestInChain(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	_, _, r3 := threeReadingChain(t, svc, userID, apartmentID)

	last, err := svc.LastReading(userID, apartmentID, "electricity", nil)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, r3, last.ID)

	none, err := svc.LastReading(userID, apartmentID, "gas", nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMarkPaid(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)

	r, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "water",
		ReadingDate: isoDaysAgo(10), CurrentReading: 42,
	})
	require.NoError(t, err)
	require.False(t, r.IsPaid)

	paid, err := svc.MarkPaid(userID, r.ID, "2026-08-01")
	require.NoError(t, err)
	assert.True(t, paid.IsPaid)
	require.NotNil(t, paid.PaidDate)
	assert.Equal(t, "2026-08-01", *paid.PaidDate)
}

func TestListFiltersByTypeAndOrder(t *testing.T) {
	svc, _, userID, apartmentID := newReadingEnv(t)
	_, _, r3 := threeReadingChain(t, svc, userID, apartmentID)

	_, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "water",
		ReadingDate: isoDaysAgo(10), CurrentReading: 30,
	})
	require.NoError(t, err)

	elec, err := svc.List(userID, ReadingFilter{ApartmentID: apartmentID, Type: "electricity"})
	require.NoError(t, err)
	require.Len(t, elec, 3)
	assert.Equal(t, r3, elec[0].ID) // newest first

	all, err := svc.List(userID, ReadingFilter{ApartmentID: apartmentID})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestReadingOwnershipIsolation(t *testing.T) {
	svc, db, userID, apartmentID := newReadingEnv(t)
	otherUser := createTestUser(t, db)

	r, err := svc.Create(userID, ReadingInput{
		ApartmentID: apartmentID, Type: "electricity",
		ReadingDate: isoDaysAgo(10), CurrentReading: 100,
	})
	require.NoError(t, err)

	var nf *NotFoundError

	_, err = svc.Get(otherUser, r.ID)
	require.ErrorAs(t, err, &nf)

	// A foreign apartment is invisible, not forbidden.
	_, err = svc.Create(otherUser, ReadingInput{
		ApartmentID: apartmentID, Type: "electricity",
		ReadingDate: isoDaysAgo(5), CurrentReading: 120,
	})
	require.ErrorAs(t, err, &nf)
}
