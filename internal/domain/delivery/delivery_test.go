package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/domain/delivery"
	"github.com/okian/intake/internal/domain/intake"
	"github.com/okian/intake/internal/domain/model"
	"github.com/okian/intake/internal/domain/projection"
	"github.com/okian/intake/internal/domain/schema"
)

// recorder wraps a store and keeps the ids carried by each write.
type recorder struct {
	external.Store
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) Write(ctx context.Context, key string, fields map[string]any) (external.WriteResult, error) {
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.mu.Lock()
	r.calls = append(r.calls, ids)
	r.mu.Unlock()
	return r.Store.Write(ctx, key, fields)
}

// flaky fails the write numbered failAt, counting from one, as transient.
type flaky struct {
	external.Store
	mu     sync.Mutex
	n      int
	failAt int
}

func (f *flaky) Write(ctx context.Context, key string, fields map[string]any) (external.WriteResult, error) {
	f.mu.Lock()
	f.n++
	fail := f.n == f.failAt
	f.mu.Unlock()
	if fail {
		return external.WriteResult{}, fmt.Errorf("%w: connection reset", external.ErrTransient)
	}
	return f.Store.Write(ctx, key, fields)
}

func testRegistry() *schema.Registry {
	reg, err := schema.New([]schema.FieldDescriptor{
		{Path: "companyInfo.legalName", ExternalIDs: []string{"CompanyLegalName"}, Type: schema.TypeText},
		{Path: "companyInfo.employees", ExternalIDs: []string{"NumberOfEmployees"}, Type: schema.TypeNumber},
		{Path: "rolesCapabilities.principalContractor", ExternalIDs: []string{"ActsAsPrincipalContractor"}, Type: schema.TypeChoice},
		{
			Path:        "rolesCapabilities.principalContractorLastYearScale",
			ExternalIDs: []string{"PrincipalContractor_LastYearScale", "PrincipalContractor_LastYearScal0"},
			Type:        schema.TypeChoice,
			Encoding:    schema.EncodingPlain,
		},
		{Path: "agreement.agreeToCodes", ExternalIDs: []string{"AgreeToCodes"}, Type: schema.TypeBoolean},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

func pendingFor(reg *schema.Registry) []projection.PendingField {
	doc, err := intake.Decode([]byte(`{
		"companyInfo": {"legalName": "Acme Civil", "employees": 40},
		"rolesCapabilities": {"principalContractor": true, "principalContractorLastYearScale": "$5M-$20M"},
		"agreement": {"agreeToCodes": true}
	}`))
	if err != nil {
		panic(err)
	}
	return projection.Project(doc, reg)
}

func outcomeFor(res delivery.Result, path string) delivery.Outcome {
	for _, o := range res.Outcomes {
		if o.Field.LogicalPath == path {
			return o
		}
	}
	return delivery.Outcome{}
}

func TestDeliverAllAccepted(t *testing.T) {
	Convey("Given a store whose columns match the registry", t, func() {
		reg := testRegistry()
		store := external.NewMemoryStore(external.ColumnsFromRegistry(reg))

		res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))

		Convey("Then one bulk write lands every field", func() {
			So(err, ShouldBeNil)
			So(res.Complete(), ShouldBeTrue)
			So(store.Calls(), ShouldEqual, 1)
			for _, o := range res.Outcomes {
				So(o.Attempts, ShouldEqual, 1)
				So(o.AliasUsed(), ShouldBeFalse)
			}
		})
	})
}

func TestDeliverAliasFallback(t *testing.T) {
	Convey("Given a store where the scale column only exists under its truncated id", t, func() {
		reg := testRegistry()

		for _, mode := range []external.RejectMode{external.RejectPerField, external.RejectFirstField} {
			store := external.NewMemoryStore(external.ColumnsFromRegistry(reg), external.WithRejectMode(mode))
			store.RenameColumn("PrincipalContractor_LastYearScale", "PrincipalContractor_LastYearScal0")

			res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))
			So(err, ShouldBeNil)

			o := outcomeFor(res, "rolesCapabilities.principalContractorLastYearScale")
			So(o.Status, ShouldEqual, model.FieldAccepted)
			So(o.Attempts, ShouldEqual, 2)
			So(o.AcceptedID, ShouldEqual, "PrincipalContractor_LastYearScal0")
			So(o.AliasUsed(), ShouldBeTrue)
			So(res.Complete(), ShouldBeTrue)

			item, _ := store.Item("sub-1")
			So(item["PrincipalContractor_LastYearScal0"], ShouldEqual, "$5M-$20M")
			So(item["CompanyLegalName"], ShouldEqual, "Acme Civil")
		}
	})
}

func TestDeliverExhaustedAliases(t *testing.T) {
	Convey("Given a store missing a column under every known id", t, func() {
		reg := testRegistry()
		rec := &recorder{Store: func() external.Store {
			s := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
			s.RenameColumn("PrincipalContractor_LastYearScale", "PrincipalContractor_PriorYearScale")
			return s
		}()}

		res, err := delivery.New(rec).Deliver(context.Background(), "sub-1", pendingFor(reg))

		Convey("Then each alias is tried once and the rest of the fields still land", func() {
			So(err, ShouldBeNil)
			So(res.Complete(), ShouldBeFalse)

			o := outcomeFor(res, "rolesCapabilities.principalContractorLastYearScale")
			So(o.Status, ShouldEqual, model.FieldRejectedUnknownField)
			So(o.Attempts, ShouldEqual, 2)
			So(o.LastError, ShouldContainSubstring, "PrincipalContractor_LastYearScal0")

			So(len(res.Rejected()), ShouldEqual, 1)
			So(outcomeFor(res, "companyInfo.legalName").Status, ShouldEqual, model.FieldAccepted)

			So(len(rec.calls), ShouldEqual, 2)
			So(rec.calls[1], ShouldResemble, []string{"PrincipalContractor_LastYearScal0"})
		})
	})

	Convey("Given a field with several aliases none of which exist", t, func() {
		reg, err := schema.New([]schema.FieldDescriptor{
			{Path: "a.b", ExternalIDs: []string{"B3", "B2", "B1"}, Type: schema.TypeText},
		})
		So(err, ShouldBeNil)
		rec := &recorder{Store: external.NewMemoryStore(nil)}

		res, err := delivery.New(rec).Deliver(context.Background(), "k", projection.Project(intake.Document{}, reg))

		Convey("Then aliases are tried in declared order exactly once", func() {
			So(err, ShouldBeNil)
			So(rec.calls, ShouldResemble, [][]string{{"B3"}, {"B2"}, {"B1"}})
			So(res.Outcomes[0].Attempts, ShouldEqual, 3)
			So(res.Outcomes[0].Status, ShouldEqual, model.FieldRejectedUnknownField)
		})
	})
}

func TestDeliverTypeMismatch(t *testing.T) {
	Convey("Given a column whose type differs from the registry", t, func() {
		reg := testRegistry()
		cols := external.ColumnsFromRegistry(reg)
		cols["AgreeToCodes"] = external.Column{Type: schema.TypeBoolean, Encoding: schema.EncodingYesNo}
		store := external.NewMemoryStore(cols)

		res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))

		So(err, ShouldBeNil)
		o := outcomeFor(res, "agreement.agreeToCodes")
		So(o.Status, ShouldEqual, model.FieldRejectedTypeMismatch)
		So(o.Attempts, ShouldEqual, 1)
		So(o.LastError, ShouldContainSubstring, "AgreeToCodes")
	})
}

func TestDeliverOpaqueRejection(t *testing.T) {
	Convey("Given a store that refuses bad requests without detail", t, func() {
		reg := testRegistry()
		store := external.NewMemoryStore(external.ColumnsFromRegistry(reg), external.WithRejectMode(external.RejectOpaque))
		store.RenameColumn("PrincipalContractor_LastYearScale", "PrincipalContractor_LastYearScal0")

		res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))

		Convey("Then bisection isolates the field and its alias is used", func() {
			So(err, ShouldBeNil)
			So(res.Complete(), ShouldBeTrue)
			o := outcomeFor(res, "rolesCapabilities.principalContractorLastYearScale")
			So(o.AcceptedID, ShouldEqual, "PrincipalContractor_LastYearScal0")

			item, _ := store.Item("sub-1")
			So(len(item), ShouldEqual, reg.Len())
		})
	})
}

func TestDeliverTransient(t *testing.T) {
	Convey("Given a store that fails the next call", t, func() {
		reg := testRegistry()
		store := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		store.FailNext(1)

		res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))

		Convey("Then the error is transient and no field is decided", func() {
			So(errors.Is(err, external.ErrTransient), ShouldBeTrue)
			So(len(res.Outcomes), ShouldEqual, reg.Len())
			for _, o := range res.Outcomes {
				So(o.Status, ShouldEqual, model.FieldFailedTransient)
				So(o.LastError, ShouldNotBeEmpty)
			}
		})

		Convey("Then a second delivery succeeds", func() {
			res, err := delivery.New(store).Deliver(context.Background(), "sub-1", pendingFor(reg))
			So(err, ShouldBeNil)
			So(res.Complete(), ShouldBeTrue)
		})
	})
}

func TestDeliverResumesAfterTransientAliasFailure(t *testing.T) {
	const scale = "rolesCapabilities.principalContractorLastYearScale"

	Convey("Given a transient failure on the alias write that follows a canonical refusal", t, func() {
		reg := testRegistry()
		mem := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		mem.RenameColumn("PrincipalContractor_LastYearScale", "PrincipalContractor_LastYearScal0")
		rec := &recorder{Store: mem}
		d := delivery.New(&flaky{Store: rec, failAt: 2})

		res, err := d.Deliver(context.Background(), "sub-1", pendingFor(reg))
		So(errors.Is(err, external.ErrTransient), ShouldBeTrue)

		o := outcomeFor(res, scale)
		So(o.Status, ShouldEqual, model.FieldFailedTransient)
		So(o.Field.Refused, ShouldEqual, 1)
		So(outcomeFor(res, "companyInfo.legalName").Status, ShouldEqual, model.FieldAccepted)

		Convey("When the field is delivered again", func() {
			rec.calls = nil
			res, err := d.Deliver(context.Background(), "sub-1", []projection.PendingField{o.Field})
			So(err, ShouldBeNil)

			Convey("Then only the alias is written", func() {
				So(rec.calls, ShouldResemble, [][]string{{"PrincipalContractor_LastYearScal0"}})

				got := outcomeFor(res, scale)
				So(got.Status, ShouldEqual, model.FieldAccepted)
				So(got.AliasUsed(), ShouldBeTrue)
				So(got.Attempts, ShouldEqual, 1)
			})
		})
	})

	Convey("Given a field whose every id was refused before", t, func() {
		reg := testRegistry()
		mem := external.NewMemoryStore(external.ColumnsFromRegistry(reg))
		rec := &recorder{Store: mem}

		var p projection.PendingField
		for _, f := range pendingFor(reg) {
			if f.LogicalPath == scale {
				p = f
			}
		}
		p.Refused = len(p.Descriptor.ExternalIDs)

		res, err := delivery.New(rec).Deliver(context.Background(), "sub-1", []projection.PendingField{p})

		Convey("Then it is rejected without another write", func() {
			So(err, ShouldBeNil)
			So(rec.calls, ShouldBeEmpty)
			So(res.Outcomes[0].Status, ShouldEqual, model.FieldRejectedUnknownField)
		})
	})
}

func TestDeliverEmpty(t *testing.T) {
	Convey("Given nothing to deliver", t, func() {
		store := external.NewMemoryStore(nil)
		res, err := delivery.New(store).Deliver(context.Background(), "k", nil)
		So(err, ShouldBeNil)
		So(res.Complete(), ShouldBeTrue)
		So(store.Calls(), ShouldEqual, 0)
	})
}
