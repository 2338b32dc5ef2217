package discovery

import (
	"testing"

	"github.com/faanross/myotun/internal/dnsproto"
)

func TestGenQueryToDomain(t *testing.T) {
	query := DownloadGenQuery{Encoding: "raw", Len: 100, Bias: 123, Coeff: 13, Modulus: 178}

	cases := []struct {
		host     string
		padToLen int
		want     string
		wantErr  bool
	}{
		{"fo.com", 28, "fraw.100.123.13.178.fo.com", false},
		{"fo.com", 30, "fraw.100.123.13.178.x.fo.com", false},
		{"fo.com", 31, "fraw.100.123.13.178.xx.fo.com", false},
		{"fo.com", 33, "fraw.100.123.13.178.xx.x.fo.com", false},
		{"fo.bar.com", 32, "fraw.100.123.13.178.fo.bar.com", false},
		{"fo.bar.com", 34, "fraw.100.123.13.178.x.fo.bar.com", false},
		{"fo.bar.com", 10, "", true},
		{"fo.bar.com", 33, "", true},
	}

	for _, tc := range cases {
		host := dnsproto.MustDomain(tc.host)
		got, err := query.ToDomain(host, tc.padToLen)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ToDomain(%s, %d): expected error, got %s", tc.host, tc.padToLen, got.String())
			}
			continue
		}
		if err != nil {
			t.Fatalf("ToDomain(%s, %d): unexpected error: %v", tc.host, tc.padToLen, err)
		}
		want := dnsproto.MustDomain(tc.want)
		if !got.EqualFold(want) {
			t.Errorf("ToDomain(%s, %d) = %s, want %s", tc.host, tc.padToLen, got.String(), want.String())
		}
	}
}

func TestDownloadGenQueryFromDomain(t *testing.T) {
	host := dnsproto.MustDomain("tun.example.com")
	query := DownloadGenQuery{Encoding: "raw", Len: 12, Bias: 5, Coeff: 3, Modulus: 17}
	// "fraw.12.5.3.17." plus "tun.example.com." encodes to exactly 32 bytes
	// on the wire, so no padding labels are needed at padToLen=32.
	domain, err := query.ToDomain(host, 32)
	if err != nil {
		t.Fatalf("ToDomain: %v", err)
	}

	parsed, err := DownloadGenQueryFromDomain(domain)
	if err != nil {
		t.Fatalf("DownloadGenQueryFromDomain: %v", err)
	}
	if parsed != query {
		t.Errorf("round trip = %+v, want %+v", parsed, query)
	}
}

func TestGeneratedData(t *testing.T) {
	q := DownloadGenQuery{Len: 6, Bias: 0, Coeff: 1, Modulus: 5}
	got := q.GeneratedData()
	want := []byte{0, 1, 2, 3, 4, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("GeneratedData()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDomainHash(t *testing.T) {
	d := dnsproto.MustDomain("example.com")
	ip := DomainHash(d)
	if ip.To4() == nil {
		t.Fatalf("DomainHash returned a non-IPv4 address: %v", ip)
	}
	// Same input must hash the same way every time.
	if !ip.Equal(DomainHash(d)) {
		t.Errorf("DomainHash is not deterministic")
	}
	other := DomainHash(dnsproto.MustDomain("example.org"))
	if ip.Equal(other) {
		t.Errorf("DomainHash collided for distinct domains")
	}
}

func TestIsDiscoveryQueryVariants(t *testing.T) {
	host := dnsproto.MustDomain("tun.example.com")
	aDomain, err := dnsproto.WithLabels([]string{"f"}, host)
	if err != nil {
		t.Fatalf("building domain: %v", err)
	}
	msg := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1},
		Questions: []dnsproto.Question{{Domain: aDomain, Type: dnsproto.RecordTypeA, Class: dnsproto.RecordClassIN}},
	}
	if !IsDomainHashQuery(msg) {
		t.Errorf("expected a well-formed A query to be a domain-hash query")
	}
	if IsDownloadGenQuery(msg) {
		t.Errorf("an A query must not also be a download-gen query")
	}

	msg.Header.IsResponse = true
	if IsDomainHashQuery(msg) {
		t.Errorf("a response message must never be treated as a query")
	}
}

func TestDomainHashResponse(t *testing.T) {
	host := dnsproto.MustDomain("tun.example.com")
	domain, err := dnsproto.WithLabels([]string{"f"}, host)
	if err != nil {
		t.Fatalf("building domain: %v", err)
	}
	query := dnsproto.Message{
		Header:    dnsproto.Header{QuestionCount: 1},
		Questions: []dnsproto.Question{{Domain: domain, Type: dnsproto.RecordTypeA, Class: dnsproto.RecordClassIN}},
	}
	resp, err := DomainHashResponse(query)
	if err != nil {
		t.Fatalf("DomainHashResponse: %v", err)
	}
	if !resp.Header.IsResponse || len(resp.Answers) != 1 {
		t.Fatalf("malformed response: %+v", resp)
	}
	if resp.Answers[0].Body.Tag != dnsproto.BodyA {
		t.Errorf("answer body tag = %v, want BodyA", resp.Answers[0].Body.Tag)
	}
	want := DomainHash(domain)
	if !resp.Answers[0].Body.A.Equal(want) {
		t.Errorf("answer A = %v, want %v", resp.Answers[0].Body.A, want)
	}
}
