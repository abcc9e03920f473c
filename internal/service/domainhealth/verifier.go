package domainhealth

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ashita-ai/rex/internal/model"
)

// VerifyPrefix is the label under which owners publish the verification TXT record.
const VerifyPrefix = "_rex-verify."

// Verifier proves ownership of a domain.
type Verifier interface {
	Verify(ctx context.Context, domain, token string) error
}

// DNSVerifier looks for the verification token in the domain's TXT records.
// A nil Resolver uses net.DefaultResolver.
type DNSVerifier struct {
	Resolver *net.Resolver
}

// Verify implements Verifier.
func (v DNSVerifier) Verify(ctx context.Context, domain, token string) error {
	r := v.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	host := VerifyPrefix + domain
	txts, err := r.LookupTXT(ctx, host)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", host, err)
	}
	want := verificationValue(token)
	for _, txt := range txts {
		if strings.TrimSpace(txt) == want {
			return nil
		}
	}
	return fmt.Errorf("no TXT record %q at %s", want, host)
}

func verificationValue(token string) string {
	return "rex-verification=" + token
}

// DNSRecords returns the records a custom domain owner must publish: the
// ownership proof, SPF, DKIM, and DMARC.
func DNSRecords(domain, token, mailHost string) []model.DNSRecord {
	return []model.DNSRecord{
		{Type: "TXT", Host: VerifyPrefix + domain, Value: verificationValue(token)},
		{Type: "TXT", Host: domain, Value: "v=spf1 include:" + mailHost + " ~all"},
		{Type: "CNAME", Host: "rex._domainkey." + domain, Value: "rex._domainkey." + mailHost},
		{Type: "TXT", Host: "_dmarc." + domain, Value: "v=DMARC1; p=none; rua=mailto:dmarc@" + domain},
	}
}
