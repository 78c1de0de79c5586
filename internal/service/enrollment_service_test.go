package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/course-enrollment-api/internal/dto"
	"github.com/noah-isme/course-enrollment-api/internal/models"
	"github.com/noah-isme/course-enrollment-api/pkg/config"
	appErrors "github.com/noah-isme/course-enrollment-api/pkg/errors"
)

func newTestEnrollmentService(records *fakeRecords, policy EnrollmentPolicy, cache *CacheService) *EnrollmentService {
	return NewEnrollmentService(records, records, records, NewKeyedLocker(), cache, nil, policy, nil, zap.NewNop())
}

func courseCodes(courses []models.Course) []string {
	codes := make([]string, 0, len(courses))
	for _, c := range courses {
		codes = append(codes, c.Code)
	}
	return codes
}

func eligibleCodes(courses []dto.EligibleCourse) []string {
	codes := make([]string, 0, len(courses))
	for _, c := range courses {
		codes = append(codes, c.Code)
	}
	return codes
}

// seedTenCredits gives student A001 a load of 10 over two courses and adds
// the candidate courses used by the ceiling scenarios.
func seedTenCredits() *fakeRecords {
	records := newFakeRecords()
	records.addStudent("A001")
	records.addCourse("ALG200", 6)
	records.addCourse("BIO110", 4)
	records.addCourse("FIS101", 5)
	records.addCourse("MAT101", 4)
	records.addCourse("SEM001", 1)
	records.seedEnrollment("A001", "ALG200")
	records.seedEnrollment("A001", "BIO110")
	return records
}

func TestEnrollmentServiceLoad(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	load, err := svc.Load(context.Background(), "A001")
	require.NoError(t, err)
	assert.Equal(t, 10, load.TotalCredits)
	assert.Equal(t, 14, load.Ceiling)
	assert.Equal(t, 4, load.RemainingCredits)
	assert.Equal(t, []string{"ALG200", "BIO110"}, courseCodes(load.Courses))

	empty, err := svc.Load(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalCredits)
	assert.NotNil(t, empty.Courses)
	assert.Empty(t, empty.Courses)

	_, err = svc.Load(context.Background(), "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestEnrollmentServiceCreditCeiling(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{CreditCeiling: 14}, nil)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "FIS101"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrCreditLimitExceeded)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 15, appErr.Details["attempted"])
	assert.Equal(t, 14, appErr.Details["ceiling"])
	assert.Zero(t, records.countEnrollments("A001", "FIS101"))

	overview, err := svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "MAT101"})
	require.NoError(t, err)
	assert.Equal(t, 14, overview.Load.TotalCredits)
	assert.Equal(t, []string{"ALG200", "BIO110", "MAT101"}, courseCodes(overview.Load.Courses))
	assert.Equal(t, []string{"FIS101", "SEM001"}, eligibleCodes(overview.Eligible))

	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrCreditLimitExceeded)

	load, err := svc.Load(ctx, "A001")
	require.NoError(t, err)
	assert.Equal(t, 14, load.TotalCredits)
}

func TestEnrollmentServiceZeroCreditCourseAtCeiling(t *testing.T) {
	records := seedTenCredits()
	records.addCourse("TUT000", 0)
	records.seedEnrollment("A001", "MAT101")
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	overview, err := svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "TUT000"})
	require.NoError(t, err)
	assert.Equal(t, 14, overview.Load.TotalCredits)
}

func TestEnrollmentServiceDuplicate(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	_, err := svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	require.NoError(t, err)
	_, err = svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEnrollment)
	assert.Equal(t, 1, records.countEnrollments("A001", "SEM001"))
}

func TestEnrollmentServiceEnrollCheckOrder(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "GHOST", CourseCode: "NOPE"})
	assert.ErrorIs(t, err, appErrors.ErrStudentNotFound)

	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "NOPE"})
	assert.ErrorIs(t, err, appErrors.ErrCourseNotFound)

	// already enrolled and over the ceiling: duplicate wins
	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "ALG200"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEnrollment)

	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestEnrollmentServiceRoundTrip(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)
	ctx := context.Background()

	before, err := svc.Load(ctx, "A001")
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	require.NoError(t, err)
	enrollment, err := svc.Get(ctx, "A001", "SEM001")
	require.NoError(t, err)
	assert.Equal(t, "SEM001", enrollment.CourseCode)

	overview, err := svc.Withdraw(ctx, "A001", "SEM001")
	require.NoError(t, err)
	assert.Equal(t, before.TotalCredits, overview.Load.TotalCredits)
	assert.Equal(t, courseCodes(before.Courses), courseCodes(overview.Load.Courses))
	assert.Contains(t, eligibleCodes(overview.Eligible), "SEM001")

	_, err = svc.Withdraw(ctx, "A001", "SEM001")
	assert.ErrorIs(t, err, appErrors.ErrEnrollmentNotFound)

	_, err = svc.Get(ctx, "A001", "SEM001")
	assert.ErrorIs(t, err, appErrors.ErrEnrollmentNotFound)

	_, err = svc.Withdraw(ctx, "GHOST", "SEM001")
	assert.ErrorIs(t, err, appErrors.ErrStudentNotFound)
}

func TestEnrollmentServiceEligible(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	eligible, err := svc.Eligible(context.Background(), "A001")
	require.NoError(t, err)
	require.Equal(t, []string{"FIS101", "MAT101", "SEM001"}, eligibleCodes(eligible))
	assert.True(t, eligible[0].WouldExceedCeiling)
	assert.False(t, eligible[1].WouldExceedCeiling)
	assert.False(t, eligible[2].WouldExceedCeiling)

	all, err := svc.Eligible(context.Background(), "NEWBIE")
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestEnrollmentServiceOverviewCache(t *testing.T) {
	records := seedTenCredits()
	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, cache)
	ctx := context.Background()

	first, hit, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first.Load.TotalCredits, second.Load.TotalCredits)
	assert.Equal(t, 1, records.listAllHits)
	assert.True(t, cacheRepo.has(overviewKey("A001")))

	_, err = svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	require.NoError(t, err)
	assert.False(t, cacheRepo.has(overviewKey("A001")))

	third, hit, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 11, third.Load.TotalCredits)
	assert.Equal(t, 2, records.listAllHits)
}

func TestEnrollmentServiceDeleteCourseGuard(t *testing.T) {
	records := seedTenCredits()
	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, cache)
	ctx := context.Background()

	err := svc.DeleteCourse(ctx, "ALG200")
	assert.ErrorIs(t, err, appErrors.ErrCourseHasEnrollments)
	assert.True(t, records.hasCourse("ALG200"))

	_, err = svc.Withdraw(ctx, "A001", "ALG200")
	require.NoError(t, err)
	_, _, err = svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.True(t, cacheRepo.has(overviewKey("A001")))

	require.NoError(t, svc.DeleteCourse(ctx, "ALG200"))
	assert.False(t, records.hasCourse("ALG200"))
	assert.False(t, cacheRepo.has(overviewKey("A001")))

	err = svc.DeleteCourse(ctx, "ALG200")
	assert.ErrorIs(t, err, appErrors.ErrCourseNotFound)
}

func TestEnrollmentServiceDeleteStudentBlock(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{StudentDeletePolicy: config.StudentDeleteBlock}, nil)
	ctx := context.Background()

	err := svc.DeleteStudent(ctx, "A001")
	assert.ErrorIs(t, err, appErrors.ErrStudentHasEnrollments)
	assert.True(t, records.hasStudent("A001"))

	records.addStudent("B002")
	require.NoError(t, svc.DeleteStudent(ctx, "B002"))
	assert.False(t, records.hasStudent("B002"))

	err = svc.DeleteStudent(ctx, "B002")
	assert.ErrorIs(t, err, appErrors.ErrStudentNotFound)
}

func TestEnrollmentServiceDeleteStudentCascade(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{StudentDeletePolicy: config.StudentDeleteCascade}, nil)

	require.NoError(t, svc.DeleteStudent(context.Background(), "A001"))
	assert.False(t, records.hasStudent("A001"))
	assert.Zero(t, records.countEnrollments("A001", ""))
}

func TestEnrollmentServiceUpdateCourseCreditGuard(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)
	ctx := context.Background()

	_, err := svc.UpdateCourse(ctx, "BIO110", func(c *models.Course) { c.Credits = 9 })
	assert.ErrorIs(t, err, appErrors.ErrCreditLimitExceeded)

	updated, err := svc.UpdateCourse(ctx, "BIO110", func(c *models.Course) {
		c.Credits = 8
		c.Code = "RENAMED"
	})
	require.NoError(t, err)
	assert.Equal(t, "BIO110", updated.Code)
	assert.Equal(t, 8, updated.Credits)

	lowered, err := svc.UpdateCourse(ctx, "ALG200", func(c *models.Course) { c.Credits = 2 })
	require.NoError(t, err)
	assert.Equal(t, 2, lowered.Credits)

	load, err := svc.Load(ctx, "A001")
	require.NoError(t, err)
	assert.Equal(t, 10, load.TotalCredits)

	_, err = svc.UpdateCourse(ctx, "NOPE", func(*models.Course) {})
	assert.ErrorIs(t, err, appErrors.ErrCourseNotFound)
}

func TestEnrollmentServiceConcurrentEnrollsRespectCeiling(t *testing.T) {
	records := seedTenCredits()
	records.addCourse("QUI120", 4)
	records.readDelay = 5 * time.Millisecond
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, course := range []string{"MAT101", "QUI120"} {
		wg.Add(1)
		go func(i int, course string) {
			defer wg.Done()
			_, results[i] = svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: course})
		}(i, course)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, appErrors.ErrCreditLimitExceeded)
	}
	assert.Equal(t, 1, successes)

	load, err := svc.Load(context.Background(), "A001")
	require.NoError(t, err)
	assert.Equal(t, 14, load.TotalCredits)
}

func TestEnrollmentServiceConcurrentDuplicateEnrolls(t *testing.T) {
	records := seedTenCredits()
	records.readDelay = time.Millisecond
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, appErrors.ErrDuplicateEnrollment)
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, records.countEnrollments("A001", "SEM001"))
}

func TestEnrollmentServiceCancellationLeavesNoRecord(t *testing.T) {
	records := seedTenCredits()
	ctx, cancel := context.WithCancel(context.Background())
	records.onInsert = cancel
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	_, err := svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, records.countEnrollments("A001", "SEM001"))
}

func TestEnrollmentServiceStoreUnavailable(t *testing.T) {
	records := seedTenCredits()
	records.failWith = errors.New("connection reset by peer")
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	_, err = svc.Eligible(ctx, "A001")
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	err = svc.DeleteCourse(ctx, "SEM001")
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
}

func TestEnrollmentServiceStoreTimeout(t *testing.T) {
	records := seedTenCredits()
	records.readDelay = 20 * time.Millisecond
	svc := newTestEnrollmentService(records, EnrollmentPolicy{StoreTimeout: 5 * time.Millisecond}, nil)

	_, err := svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, records.countEnrollments("A001", "SEM001"))
}

func TestEnrollmentServiceList(t *testing.T) {
	records := seedTenCredits()
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, nil)

	list, err := svc.List(context.Background(), models.EnrollmentFilter{CourseCode: "ALG200"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "A001", list[0].StudentCode)

	none, err := svc.List(context.Background(), models.EnrollmentFilter{StudentCode: "NOBODY"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestEnrollmentServiceOverviewNotCachedAcrossCourseDeletion(t *testing.T) {
	records := seedTenCredits()
	cacheRepo := newMemoryCacheRepo()
	cache := NewCacheService(cacheRepo, nil, time.Minute, nil, true)
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, cache)
	ctx := context.Background()

	reading := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	records.onListAll = func() {
		once.Do(func() {
			close(reading)
			<-release
		})
	}

	type overviewResult struct {
		overview *dto.EnrollmentOverview
		err      error
	}
	first := make(chan overviewResult, 1)
	go func() {
		overview, _, err := svc.Overview(ctx, "A001")
		first <- overviewResult{overview, err}
	}()
	<-reading

	deleted := make(chan error, 1)
	go func() { deleted <- svc.DeleteCourse(ctx, "FIS101") }()
	select {
	case err := <-deleted:
		t.Fatalf("course deleted while an overview was reading the catalog: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Contains(t, eligibleCodes(res.overview.Eligible), "FIS101")
	require.NoError(t, <-deleted)

	overview, hit, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"MAT101", "SEM001"}, eligibleCodes(overview.Eligible))
}

func TestEnrollmentServiceOverviewSeesUpdatedCredits(t *testing.T) {
	records := seedTenCredits()
	cache := NewCacheService(newMemoryCacheRepo(), nil, time.Minute, nil, true)
	svc := newTestEnrollmentService(records, EnrollmentPolicy{}, cache)
	ctx := context.Background()

	before, _, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	require.Equal(t, []string{"FIS101", "MAT101", "SEM001"}, eligibleCodes(before.Eligible))
	assert.False(t, before.Eligible[1].WouldExceedCeiling)

	_, err = svc.UpdateCourse(ctx, "MAT101", func(c *models.Course) { c.Credits = 5 })
	require.NoError(t, err)

	after, hit, err := svc.Overview(ctx, "A001")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 5, after.Eligible[1].Credits)
	assert.True(t, after.Eligible[1].WouldExceedCeiling)
}

func TestEnrollmentServiceLockWaitHonoursTimeout(t *testing.T) {
	records := seedTenCredits()
	locks := NewKeyedLocker()
	svc := NewEnrollmentService(records, records, records, locks, nil, nil, EnrollmentPolicy{StoreTimeout: 10 * time.Millisecond}, nil, zap.NewNop())

	unlock, err := locks.Lock(context.Background(), studentLockKey("A001"))
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	_, err = svc.Enroll(context.Background(), dto.EnrollRequest{StudentCode: "A001", CourseCode: "SEM001"})
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, records.countEnrollments("A001", "SEM001"))
}

func TestEnrollmentServiceCancelledWhileWaitingForLock(t *testing.T) {
	records := seedTenCredits()
	locks := NewKeyedLocker()
	svc := NewEnrollmentService(records, records, records, locks, nil, nil, EnrollmentPolicy{}, nil, zap.NewNop())

	unlock, err := locks.Lock(context.Background(), courseLockKey("SEM001"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.DeleteCourse(ctx, "SEM001") }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the course lock")
	}
	assert.True(t, records.hasCourse("SEM001"))
}
