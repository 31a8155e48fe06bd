package intake_test

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/okian/intake/internal/domain/intake"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDecode(t *testing.T) {
	Convey("Given raw intake payloads", t, func() {
		Convey("When the payload is a nested object", func() {
			doc, err := intake.Decode([]byte(`{
				"companyInfo": {"legalName": "Acme Pty Ltd", "employees": 42},
				"rolesCapabilities": {"principalContractor": true},
				"futureSection": {"anything": [{"goes": 1}]}
			}`))

			Convey("Then it decodes with numbers kept as json.Number", func() {
				So(err, ShouldBeNil)
				v, ok := doc.Lookup("companyInfo.employees")
				So(ok, ShouldBeTrue)
				So(v, ShouldEqual, json.Number("42"))
			})

			Convey("And unknown sections are preserved", func() {
				So(doc.UnknownSections(), ShouldResemble, []string{"futureSection"})
				So(doc.Validate(), ShouldBeNil)
			})
		})

		Convey("When the payload is not an object", func() {
			for _, raw := range []string{`[]`, `"text"`, `{"a":1} {"b":2}`, `{`} {
				_, err := intake.Decode([]byte(raw))
				So(errors.Is(err, intake.ErrMalformed), ShouldBeTrue)
			}
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given documents with various leaves", t, func() {
		Convey("When known sections hold only supported leaves", func() {
			doc, _ := intake.Decode([]byte(`{
				"certifications": {"iso9001": true, "expiry": "2026-01-01", "types": ["ISO9001", "ISO45001"], "notes": null},
				"insurance": {"publicLiability": {"amount": 20000000}}
			}`))
			So(doc.Validate(), ShouldBeNil)
		})

		Convey("When an array inside a known section holds objects", func() {
			doc, _ := intake.Decode([]byte(`{"projectReferences": {"items": [{"name": "x"}]}}`))
			err := doc.Validate()

			Convey("Then the leaf rule is reported with its path", func() {
				So(errors.Is(err, intake.ErrInvalidLeaf), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "projectReferences.items[0]")
			})
		})
	})
}

func TestLookup(t *testing.T) {
	Convey("Given a decoded document", t, func() {
		doc, err := intake.Decode([]byte(`{"agreement": {"agreeToCodes": null, "signedBy": "J. Smith"}, "policies": "n/a"}`))
		So(err, ShouldBeNil)

		Convey("Then explicit nulls are found", func() {
			v, ok := doc.Lookup("agreement.agreeToCodes")
			So(ok, ShouldBeTrue)
			So(v, ShouldBeNil)
		})

		Convey("Then missing segments and non-object intermediates are not found", func() {
			for _, p := range []string{"agreement.missing", "missing.field", "policies.hasWhs", ""} {
				_, ok := doc.Lookup(p)
				So(ok, ShouldBeFalse)
			}
		})

		Convey("Then sections can be read as objects", func() {
			So(doc.Section(intake.SectionAgreement)["signedBy"], ShouldEqual, "J. Smith")
			So(doc.Section(intake.SectionPolicies), ShouldBeNil)
		})

		Convey("Then every known section name is listed once", func() {
			names := append([]string(nil), intake.Sections...)
			sort.Strings(names)
			for i := 1; i < len(names); i++ {
				So(names[i], ShouldNotEqual, names[i-1])
			}
			So(len(names), ShouldEqual, 12)
		})
	})
}
