package service_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/adapters/repository"
	service "github.com/okian/intake/internal/app"
	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/internal/domain/schema"
)

const onboardingDocument = `{
	"companyInfo": {"legalName": "Harbour Civil Pty Ltd", "abn": "51824753556"},
	"primaryContact": {"email": "ops@harbourcivil.example"},
	"rolesCapabilities": {
		"principalContractor": true,
		"principalContractorLastYearScale": "$5M-$20M"
	},
	"agreement": {"agreeToCodes": true}
}`

const scalePath = "rolesCapabilities.principalContractorLastYearScale"

func startWith(t *testing.T, ext external.Store, opts ...service.Option) (*service.Service, context.Context) {
	base := []service.Option{
		service.WithDatabasePath(dbPath(t)),
		service.WithExternalStore(ext),
		service.WithWorkerCount(2),
		service.WithBackoff(time.Millisecond, 5*time.Millisecond),
	}
	svc := service.New(append(base, opts...)...)
	ctx := context.Background()
	So(svc.Start(ctx), ShouldBeNil)
	return svc, ctx
}

func fieldAt(detail model.SubmissionDetail, path string) model.ProjectionRecord {
	for _, f := range detail.Fields {
		if f.LogicalPath == path {
			return f
		}
	}
	return model.ProjectionRecord{}
}

func TestServiceIntegration_AliasFallback(t *testing.T) {
	Convey("Given an external list whose scale column was truncated on creation", t, func() {
		reg, err := schema.Default()
		So(err, ShouldBeNil)
		ext := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		ext.RenameColumn("PrincipalContractor_LastYearScale", "PrincipalContractor_LastYearScal0")

		svc, ctx := startWith(t, ext)
		Reset(svc.Stop)

		sub, err := svc.Submit(ctx, []byte(onboardingDocument))
		So(err, ShouldBeNil)

		Convey("Then the submission completes through the alias", func() {
			got := waitForTerminal(ctx, svc, sub.ID)
			So(got.Submission.ProjectionStatus, ShouldEqual, model.ProjectionComplete)

			rec := fieldAt(got, scalePath)
			So(rec.Status, ShouldEqual, model.FieldAccepted)
			So(rec.ExternalFieldID, ShouldEqual, "PrincipalContractor_LastYearScal0")
			So(rec.AttemptCount, ShouldEqual, 2)
			So(rec.AliasUsed, ShouldBeTrue)

			item, ok := ext.Item(sub.ID)
			So(ok, ShouldBeTrue)
			So(item["PrincipalContractor_LastYearScal0"], ShouldEqual, "$5M-$20M")
			So(item["ABN"], ShouldEqual, "51824753556")
			So(item["SupplierTaxId"], ShouldEqual, "51824753556")
			So(len(item), ShouldEqual, reg.Len())

			drift, err := svc.AliasDrift(ctx)
			So(err, ShouldBeNil)
			So(len(drift), ShouldEqual, 1)
			So(drift[0].ExternalFieldID, ShouldEqual, "PrincipalContractor_LastYearScal0")
		})
	})
}

func TestServiceIntegration_PartialSuccess(t *testing.T) {
	Convey("Given an external list missing one column under every id", t, func() {
		reg, err := schema.Default()
		So(err, ShouldBeNil)
		ext := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		ext.RenameColumn("PrincipalContractor_LastYearScale", "PC_Scale_Old")

		svc, ctx := startWith(t, ext)
		Reset(svc.Stop)

		sub, err := svc.Submit(ctx, []byte(onboardingDocument))
		So(err, ShouldBeNil)
		got := waitForTerminal(ctx, svc, sub.ID)

		Convey("Then every other field lands and the submission needs review", func() {
			So(got.Submission.ProjectionStatus, ShouldEqual, model.ProjectionPartialNeedsReview)
			So(fieldAt(got, "companyInfo.legalName").Status, ShouldEqual, model.FieldAccepted)
			So(fieldAt(got, scalePath).Status, ShouldEqual, model.FieldRejectedUnknownField)

			item, _ := ext.Item(sub.ID)
			So(len(item), ShouldEqual, reg.Len()-1)
			So(string(got.Submission.RawDocument), ShouldEqual, onboardingDocument)
		})

		Convey("Then the operator queue lists it until it is cleared", func() {
			items, err := svc.NeedsReview(ctx, 0)
			So(err, ShouldBeNil)
			So(len(items), ShouldEqual, 1)
			So(items[0].Submission.ID, ShouldEqual, sub.ID)
			So(len(items[0].Failed), ShouldEqual, 1)
			So(items[0].Failed[0].LogicalPath, ShouldEqual, scalePath)

			So(svc.ClearReview(ctx, sub.ID, "column recreated"), ShouldBeNil)
			items, err = svc.NeedsReview(ctx, 0)
			So(err, ShouldBeNil)
			So(items, ShouldBeEmpty)

			listed, err := svc.ListByStatus(ctx, model.ProjectionPartialNeedsReview, 0)
			So(err, ShouldBeNil)
			So(len(listed), ShouldEqual, 1)
		})
	})
}

func TestServiceIntegration_TransientRetry(t *testing.T) {
	Convey("Given an external store that times out twice", t, func() {
		reg, err := schema.Default()
		So(err, ShouldBeNil)
		ext := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		ext.FailNext(2)

		svc, ctx := startWith(t, ext, service.WithMaxAttempts(4))
		Reset(svc.Stop)

		sub, err := svc.Submit(ctx, []byte(onboardingDocument))
		So(err, ShouldBeNil)

		Convey("Then the third delivery completes it", func() {
			got := waitForTerminal(ctx, svc, sub.ID)
			So(got.Submission.ProjectionStatus, ShouldEqual, model.ProjectionComplete)
			So(got.Submission.Attempts, ShouldEqual, 3)
			So(fieldAt(got, "companyInfo.legalName").AttemptCount, ShouldEqual, 3)
		})
	})
}

func TestServiceIntegration_Recovery(t *testing.T) {
	Convey("Given submissions committed while projection was down", t, func() {
		path := dbPath(t)
		repo, err := repository.Open(path)
		So(err, ShouldBeNil)
		waiting, err := repo.Commit(context.Background(), []byte(onboardingDocument))
		So(err, ShouldBeNil)
		interrupted, err := repo.Commit(context.Background(), []byte(onboardingDocument))
		So(err, ShouldBeNil)
		So(repo.SetProjectionStatus(context.Background(), interrupted.ID, model.ProjectionInProgress), ShouldBeNil)
		So(repo.Close(), ShouldBeNil)

		reg, err := schema.Default()
		So(err, ShouldBeNil)
		ext := external.NewMemoryStore(external.ColumnsFromRegistry(reg))

		Convey("When the service starts on the same database", func() {
			svc := service.New(
				service.WithDatabasePath(path),
				service.WithExternalStore(ext),
				service.WithWorkerCount(2),
			)
			ctx := context.Background()
			So(svc.Start(ctx), ShouldBeNil)
			Reset(svc.Stop)

			Convey("Then the startup sweep projects both", func() {
				So(waitForTerminal(ctx, svc, waiting.ID).Submission.ProjectionStatus, ShouldEqual, model.ProjectionComplete)
				So(waitForTerminal(ctx, svc, interrupted.ID).Submission.ProjectionStatus, ShouldEqual, model.ProjectionComplete)
				So(ext.Len(), ShouldEqual, 2)
				So(svc.Sweep(ctx), ShouldEqual, 0)
			})
		})
	})
}
