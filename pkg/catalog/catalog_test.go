package catalog

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeTokens(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   []string
	}{
		{"trims and dedupes", []string{" ensiapu ", "ensiapu", "ampuma"}, []string{"ensiapu", "ampuma"}},
		{"drops single characters", []string{"a", "-", "ab", " "}, []string{"ab"}},
		{"keeps negations", []string{"weld", "-welding-safety"}, []string{"weld", "-welding-safety"}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTokens(tt.tokens)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeTokens(%q) = %q, want %q", tt.tokens, got, tt.want)
			}
		})
	}
}

func TestListingItemCourseID(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int64
		wantOK bool
	}{
		{"json number", json.Number("161327"), 161327, true},
		{"float", float64(42), 42, true},
		{"fractional float", 1.5, 0, false},
		{"numeric string", "77", 77, true},
		{"missing", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := ListingItem{FieldCourseID: tt.value}
			got, ok := item.CourseID()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("CourseID() = %d, %v; want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestDecodeDetailJobKeepsNumbers(t *testing.T) {
	data := []byte(`{"courseId":161327,"courseJsonItem":{"TapahtumaID":161327,"Alkuaika":1700000000,"Nimi":"Ensiapu 1"}}`)
	job, err := DecodeDetailJob(data)
	if err != nil {
		t.Fatalf("DecodeDetailJob() error = %v", err)
	}
	if job.CourseID != 161327 {
		t.Errorf("CourseID = %d, want 161327", job.CourseID)
	}
	if _, ok := job.Payload[FieldStart].(json.Number); !ok {
		t.Errorf("Alkuaika decoded as %T, want json.Number", job.Payload[FieldStart])
	}
	if _, err := DecodeDetailJob([]byte(`{"courseJsonItem":{}}`)); err == nil {
		t.Error("DecodeDetailJob() without course id should fail")
	}
}

func TestCourseView(t *testing.T) {
	start := int64(100)
	c := &Course{ID: 7, Name: "Ensiapu", Location: "Tampere", Description: "Perusteet", StartAt: &start}
	v := c.View("")
	if v.Link != "https://koulutuskalenteri.mpk.fi/Koulutuskalenteri/Tutustu-tarkemmin/id/7" {
		t.Errorf("Link = %q", v.Link)
	}
	if v.EndsAt != nil {
		t.Errorf("EndsAt = %v, want nil", *v.EndsAt)
	}
	if v.Info != "Perusteet" || v.StartsAt == nil || *v.StartsAt != 100 {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestParseListingTime(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   int64
		wantOK bool
	}{
		{"milliseconds", "/Date(1700000000000)/", 1700000000, true},
		{"with offset", "/Date(1700000000000+0200)/", 1700000000, true},
		{"negative", "/Date(-86400000)/", -86400, true},
		{"garbage", "huomenna", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseListingTime(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseListingTime(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got.Unix() != tt.want {
				t.Errorf("ParseListingTime(%q) = %d, want %d", tt.input, got.Unix(), tt.want)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	got := ParseQuery([]string{"weld", " -welding-safety ", "-", "ensiapu", ""})
	want := Query{Include: []string{"weld", "ensiapu"}, Exclude: []string{"welding-safety"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseQuery() = %+v, want %+v", got, want)
	}
	if !ParseQuery([]string{"-only"}).Empty() {
		t.Error("a query with only negated terms should be empty")
	}
}
