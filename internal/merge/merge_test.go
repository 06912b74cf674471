package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/checksync/internal/domain"
)

var (
	t0  = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return now }

func at(minutes int) *time.Time {
	t := t0.Add(time.Duration(minutes) * time.Minute)
	return &t
}

func entity(id string, version int, modified time.Time, children ...*domain.Child) *domain.Entity {
	e := &domain.Entity{
		ID:               id,
		ProjectNumber:    "10516",
		Reference:        "01",
		CreatedBy:        "JD",
		CreatedDate:      t0,
		LastModifiedBy:   "JD",
		LastModifiedDate: modified,
		Version:          version,
		Children:         map[string]*domain.Child{},
	}
	for _, c := range children {
		e.Children[c.ID] = c
	}
	return e
}

func child(id string, items ...domain.Item) *domain.Child {
	return &domain.Child{ID: id, Name: "Module " + id, Status: domain.ChildStatusInProgress, Items: items}
}

func item(id int, validated bool, validatedAt *time.Time) domain.Item {
	return domain.Item{
		ID:           id,
		Category:     "Portes",
		Title:        "Door clearance",
		IsApplicable: true,
		ValidationState: domain.ValidationState{
			IsValidated:   validated,
			ValidatedBy:   "AB",
			ValidatedDate: validatedAt,
		},
	}
}

func TestMergeBothAbsentCreatesFreshEntity(t *testing.T) {
	engine := NewEngine(fixedClock)

	merged := engine.Merge(nil, nil, "10516-01", "U1")

	require.NotNil(t, merged)
	assert.Equal(t, "10516-01", merged.ID)
	assert.Equal(t, 1, merged.Version)
	assert.Equal(t, "U1", merged.LastModifiedBy)
	assert.Equal(t, now, merged.LastModifiedDate)
	assert.Empty(t, merged.Children)
	assert.NoError(t, merged.Validate())
}

func TestMergeOnlyLocalBumpsVersion(t *testing.T) {
	engine := NewEngine(fixedClock)
	local := entity("u1", 3, t0, child("M01", item(1, true, at(5))))

	merged := engine.Merge(local, nil, "u1", "U2")

	assert.Equal(t, 4, merged.Version)
	assert.Equal(t, "U2", merged.LastModifiedBy)
	assert.Equal(t, now, merged.LastModifiedDate)
	assert.Equal(t, 3, local.Version, "input must not be mutated")
	assert.True(t, ContentEqual(local, merged))
}

func TestMergeOnlyRemoteAdoptedVerbatim(t *testing.T) {
	engine := NewEngine(fixedClock)
	remote := entity("u1", 7, t0, child("M01", item(1, false, nil)))

	merged := engine.Merge(nil, remote, "u1", "U2")

	assert.Equal(t, remote, merged)
	assert.NotSame(t, remote, merged)
}

func TestMergeIdempotentOnIdenticalInputs(t *testing.T) {
	engine := NewEngine(fixedClock)
	x := entity("u1", 2, t0.Add(time.Hour),
		child("M01", item(1, true, at(10)), item(2, false, nil)),
		child("M02"),
	)

	merged := engine.Merge(x, x.Clone(), "u1", "U1")

	assert.True(t, ContentEqual(x, merged))
	assert.Equal(t, 3, merged.Version)
}

func TestMergeRemoteNewerWinsWholesale(t *testing.T) {
	engine := NewEngine(fixedClock)
	local := entity("u1", 4, t0, child("M01", item(1, false, nil)))
	remote := entity("u1", 5, t0.Add(time.Hour), child("M01", item(1, true, at(30))))
	remote.Reference = "02"

	merged := engine.Merge(local, remote, "u1", "U1")

	assert.Equal(t, 6, merged.Version)
	assert.Equal(t, "02", merged.Reference)
	assert.True(t, merged.Children["M01"].Items[0].IsValidated)
	assert.Equal(t, "U1", merged.LastModifiedBy)
}

func TestMergeDisjointChildrenAreKept(t *testing.T) {
	engine := NewEngine(fixedClock)
	local := entity("u1", 2, t0.Add(time.Hour), child("M01"), child("M02"))
	remote := entity("u1", 2, t0.Add(2*time.Hour), child("M01"), child("M03"))

	merged := engine.Merge(local, remote, "u1", "U1")

	assert.Len(t, merged.Children, 3)
	assert.Contains(t, merged.Children, "M01")
	assert.Contains(t, merged.Children, "M02")
	assert.Contains(t, merged.Children, "M03")
}

func TestMergeDonorOnlyItemsAppended(t *testing.T) {
	engine := NewEngine(fixedClock)
	local := entity("u1", 1, t0, child("M01", item(1, false, nil), item(3, false, nil)))
	remote := entity("u1", 1, t0.Add(time.Hour), child("M01", item(1, false, nil), item(2, false, nil)))

	merged := engine.Merge(local, remote, "u1", "U1")

	ids := []int{}
	for _, it := range merged.Children["M01"].Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
	assert.NoError(t, merged.Validate())
}

func TestMergeRemoteBaseKeepsItsItemWhenDonorOlder(t *testing.T) {
	engine := NewEngine(fixedClock)
	// local validated at T1, remote un-validated at T2 > T1, remote entity newer
	local := entity("u1", 3, t0.Add(20*time.Minute), child("M01", item(1, true, at(10))))
	remote := entity("u1", 3, t0.Add(40*time.Minute), child("M01", item(1, false, at(30))))

	merged := engine.Merge(local, remote, "u1", "U1")

	got := merged.Children["M01"].FindItem(1)
	require.NotNil(t, got)
	assert.False(t, got.IsValidated)
	assert.Equal(t, at(30), got.ValidatedDate)
}

func TestMergeDonorItemNewerThanBaseStampOverlays(t *testing.T) {
	engine := NewEngine(fixedClock)
	// remote is still the base, but local's item stamp exceeds remote's entity stamp
	local := entity("u1", 3, t0.Add(20*time.Minute), child("M01", item(1, true, at(50))))
	local.Children["M01"].Items[0].ValidationComment = "checked on site"
	remote := entity("u1", 4, t0.Add(40*time.Minute), child("M01", item(1, false, at(30))))
	remote.Children["M01"].Items[0].Title = "Remote title"

	merged := engine.Merge(local, remote, "u1", "U1")

	got := merged.Children["M01"].FindItem(1)
	require.NotNil(t, got)
	assert.True(t, got.IsValidated)
	assert.Equal(t, "checked on site", got.ValidationComment)
	assert.Equal(t, "Remote title", got.Title, "descriptive fields come from the base")
	assert.Equal(t, 5, merged.Version)
	assert.False(t, local.Children["M01"].Items[0].Title == "Remote title")
}

func TestMergeApprovalStampCountsAsItemModification(t *testing.T) {
	engine := NewEngine(fixedClock)
	approved := item(1, true, at(5))
	approved.ApprovalState = domain.ApprovalState{IsApproved: true, ApprovedBy: "LC", ApprovedDate: at(90)}
	local := entity("u1", 2, t0.Add(10*time.Minute), child("M01", approved))
	remote := entity("u1", 2, t0.Add(60*time.Minute), child("M01", item(1, true, at(5))))

	merged := engine.Merge(local, remote, "u1", "U1")

	got := merged.Children["M01"].FindItem(1)
	assert.True(t, got.IsApproved)
	assert.Equal(t, "LC", got.ApprovedBy)
}

func TestMergeModuleStatusOverlay(t *testing.T) {
	engine := NewEngine(fixedClock)
	localModule := child("M01")
	localModule.Status = "validated"
	localModule.ValidatedBy = "AB"
	localModule.ValidatedDate = at(120)
	local := entity("u1", 2, t0.Add(10*time.Minute), localModule)
	remote := entity("u1", 2, t0.Add(60*time.Minute), child("M01"))

	merged := engine.Merge(local, remote, "u1", "U1")

	assert.Equal(t, "validated", merged.Children["M01"].Status)
	assert.Equal(t, "AB", merged.Children["M01"].ValidatedBy)
}

func TestMergeVersionIsMonotonic(t *testing.T) {
	engine := NewEngine(fixedClock)
	local := entity("u1", 9, t0, child("M01"))
	remote := entity("u1", 4, t0.Add(time.Hour), child("M01"))

	var current *domain.Entity
	for i := 0; i < 5; i++ {
		current = engine.Merge(local, remote, "u1", "U1")
		assert.Greater(t, current.Version, local.Version)
		assert.Greater(t, current.Version, remote.Version)
		local = current
	}
	assert.Equal(t, 14, current.Version)
}

func TestTwoFreshClientsConverge(t *testing.T) {
	engine := NewEngine(fixedClock)

	first := engine.Merge(nil, nil, "u1", "U1")
	second := engine.Merge(nil, nil, "u1", "U2")
	require.Equal(t, 1, first.Version)
	require.Equal(t, 1, second.Version)

	// first uploads; second syncs against the populated remote
	resynced := engine.Merge(second, first, "u1", "U2")
	assert.Equal(t, 2, resynced.Version)
}

func TestContentEqual(t *testing.T) {
	a := entity("u1", 1, t0, child("M01", item(1, true, at(1))))
	b := a.Clone()
	b.Version = 8
	b.LastModifiedDate = now
	assert.True(t, ContentEqual(a, b))

	b.Children["M01"].Items[0].IsValidated = false
	assert.False(t, ContentEqual(a, b))
	assert.True(t, ContentEqual(nil, nil))
	assert.False(t, ContentEqual(a, nil))
}
