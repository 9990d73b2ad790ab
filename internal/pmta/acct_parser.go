package pmta

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/broadcast-engine/internal/domain"
	"github.com/ignite/broadcast-engine/internal/ingest"
)

// AcctParser reads and parses PMTA accounting CSV files.
// PMTA writes delivery/bounce/feedback records in CSV format:
//
//	type,timeLogged,orig,rcpt,orcpt,dsnAction,dsnStatus,dsnDiag,dsnMTA,
//	bounceCat,srcType,srcMTA,dlvType,dlvSourceIp,dlvDestinationIp,dlvEsmtpAvailable,
//	dlvSize,vmta,jobId,envId,queue,vmtaPool,header_X-Email-Send-Id,...
//
// The correlation headers are recorded through PMTA's
// "record-fields ... header_X-Email-Send-Id" setting.
type AcctParser struct {
	headerMap map[string]int // column name -> index
}

// NewAcctParser returns a parser. Call ParseFile or ParseReader to process records.
func NewAcctParser() *AcctParser {
	return &AcctParser{}
}

// ParseFile reads a PMTA accounting CSV from disk.
func (p *AcctParser) ParseFile(path string) ([]AcctRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open accounting file %s: %w", path, err)
	}
	defer f.Close()
	return p.ParseReader(f)
}

// ParseReader reads accounting records from any io.Reader. Malformed rows
// are skipped.
func (p *AcctParser) ParseReader(r io.Reader) ([]AcctRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	var records []AcctRecord
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			continue
		}
		if err != nil {
			return records, fmt.Errorf("error reading accounting data: %w", err)
		}
		if len(fields) == 0 || strings.TrimSpace(strings.Join(fields, "")) == "" {
			continue
		}

		first := strings.TrimSpace(fields[0])
		if first == "type" || first == "#type" {
			p.parseHeader(fields)
			continue
		}
		if strings.HasPrefix(first, "#") {
			continue
		}

		rec, err := p.parseLine(fields)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *AcctParser) parseHeader(fields []string) {
	p.headerMap = make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimPrefix(strings.TrimSpace(f), "#")
		p.headerMap[strings.ToLower(name)] = i
	}
}

func (p *AcctParser) field(fields []string, name string) string {
	if p.headerMap == nil {
		return ""
	}
	idx, ok := p.headerMap[strings.ToLower(name)]
	if !ok || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

func (p *AcctParser) parseLine(fields []string) (AcctRecord, error) {
	if len(fields) < 4 {
		return AcctRecord{}, fmt.Errorf("too few fields: %d", len(fields))
	}

	// If we have a header map, use named fields; otherwise fall back to positional.
	if p.headerMap != nil {
		return p.parseNamed(fields), nil
	}
	return p.parsePositional(fields), nil
}

func (p *AcctParser) parseNamed(fields []string) AcctRecord {
	rcpt := p.field(fields, "rcpt")
	msgID := p.field(fields, "header_"+domain.HeaderMessageID)
	return AcctRecord{
		Type:         p.field(fields, "type"),
		TimeLogged:   parseAcctTime(p.field(fields, "timeLogged")),
		Orig:         p.field(fields, "orig"),
		Rcpt:         rcpt,
		SourceIP:     p.field(fields, "dlvSourceIp"),
		VMTA:         p.field(fields, "vmta"),
		Queue:        p.field(fields, "queue"),
		DlvType:      p.field(fields, "dlvType"),
		JobID:        p.field(fields, "jobId"),
		Domain:       recipientDomain(rcpt),
		BounceCode:   p.field(fields, "dsnStatus"),
		DSNDiag:      p.field(fields, "dsnDiag"),
		BounceCat:    p.field(fields, "bounceCat"),
		MessageID:    msgID,
		SendID:       p.field(fields, "header_"+domain.HeaderSendID),
		BroadcastID:  p.field(fields, "header_"+domain.HeaderBroadcastID),
		ContactID:    p.field(fields, "header_"+domain.HeaderContactID),
		SendingDomID: p.field(fields, "header_"+domain.HeaderSendingDomainID),
	}
}

func (p *AcctParser) parsePositional(fields []string) AcctRecord {
	rcpt := strings.TrimSpace(fields[3])
	return AcctRecord{
		Type:       strings.TrimSpace(fields[0]),
		TimeLogged: parseAcctTime(fields[1]),
		Orig:       strings.TrimSpace(fields[2]),
		Rcpt:       rcpt,
		Domain:     recipientDomain(rcpt),
	}
}

func parseAcctTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02 15:04:05-0700", "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func recipientDomain(rcpt string) string {
	if idx := strings.LastIndex(rcpt, "@"); idx >= 0 {
		return strings.ToLower(rcpt[idx+1:])
	}
	return ""
}

var smtpCode = regexp.MustCompile(`\b([245]\d\d)\b`)

// LogEvent converts the record to an ingestion event. Records of types the
// pipeline does not track report false.
func (r AcctRecord) LogEvent() (ingest.LogEvent, bool) {
	var typ domain.EventType
	switch r.Type {
	case "d":
		typ = domain.EventDelivery
	case "b", "rb":
		typ = domain.EventBounce
	case "t", "tq":
		typ = domain.EventDefer
	case "f":
		typ = domain.EventComplaint
	case "r":
		typ = domain.EventReception
	default:
		return ingest.LogEvent{}, false
	}
	if r.SendID == "" {
		return ingest.LogEvent{}, false
	}

	evt := ingest.LogEvent{
		Type:      typ,
		Headers:   map[string]string{domain.HeaderSendID: r.SendID},
		Timestamp: r.TimeLogged,
		Response: ingest.Response{
			EnhancedCode: enhancedCode(r.BounceCode),
			Content:      r.DSNDiag,
		},
	}
	for k, v := range map[string]string{
		domain.HeaderMessageID:       r.MessageID,
		domain.HeaderBroadcastID:     r.BroadcastID,
		domain.HeaderContactID:       r.ContactID,
		domain.HeaderSendingDomainID: r.SendingDomID,
	} {
		if v != "" {
			evt.Headers[k] = v
		}
	}
	if m := smtpCode.FindStringSubmatch(r.DSNDiag); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			evt.Response.Code = &code
		}
	}
	if typ == domain.EventDelivery {
		evt.Delivery = &ingest.DeliveryInfo{
			Protocol:  strings.ToUpper(r.DlvType),
			Queue:     r.Queue,
			SourceIP:  r.SourceIP,
			Sender:    r.Orig,
			Recipient: r.Rcpt,
		}
	}
	return evt, true
}

// enhancedCode pulls "5.1.1" out of a dsnStatus like "5.1.1 (bad mailbox)".
func enhancedCode(status string) string {
	if i := strings.IndexByte(status, ' '); i > 0 {
		return status[:i]
	}
	return status
}
