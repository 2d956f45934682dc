package dns

import (
	"errors"
	"fmt"
	"strings"

	mdns "github.com/miekg/dns"
)

// SRV is the parsed value of an SRV record: "<priority> <weight> <port>
// <target>".
type SRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func ParseSRV(value string) (SRV, error) {
	var zero SRV
	if strings.TrimSpace(value) == "" {
		return zero, errors.New("empty srv value")
	}
	rr, err := mdns.NewRR(". 0 IN SRV " + value)
	if err != nil {
		return zero, fmt.Errorf("parse srv %q: %w", value, err)
	}
	srv, ok := rr.(*mdns.SRV)
	if !ok {
		return zero, fmt.Errorf("parse srv %q: unexpected rr %T", value, rr)
	}
	return SRV{
		Priority: srv.Priority,
		Weight:   srv.Weight,
		Port:     srv.Port,
		Target:   NormalizeName(srv.Target),
	}, nil
}

func (s SRV) String() string {
	return fmt.Sprintf("%d %d %d %s", s.Priority, s.Weight, s.Port,
		NormalizeName(s.Target))
}
