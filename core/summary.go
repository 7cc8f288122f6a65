package core

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/host"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// Summary is the read-only aggregate consumed by dashboards and the SSE
// stream. It is a point-in-time snapshot.
type Summary struct {
	CertsTotal    int                `json:"certs_total"`
	CertsValid    int                `json:"certs_valid"`
	ServerTimeUtc string             `json:"server_time_utc"`
	ServerTime    string             `json:"server_time"`
	Hostname      string             `json:"hostname"`
	DiskFreeMb    uint64             `json:"disk_free_mb"`
	Roots         []SummaryCa        `json:"roots"`
	Intermediates []SummaryInter     `json:"intermediates"`
	Certs         []SummaryCert      `json:"certs"`
	Challenges    []SummaryChallenge `json:"open_challenges"`
	Stats         map[string]int     `json:"stats"`
	RecentLogs    []string           `json:"recent_logs"`
}

type SummaryCa struct {
	Id         string `json:"id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
	NotAfter   string `json:"not_after"`
	CreatedAt  string `json:"created_at"`
	IsActive   bool   `json:"is_active"`
}

type SummaryInter struct {
	Id         string `json:"id"`
	ParentId   string `json:"parent_id"`
	Name       string `json:"name"`
	CommonName string `json:"common_name"`
	NotAfter   string `json:"not_after"`
	CreatedAt  string `json:"created_at"`
}

type SummaryCert struct {
	Id        int    `json:"id"`
	Domain    string `json:"domain"`
	NotAfter  string `json:"not_after"`
	CreatedAt string `json:"created_at"`
	IssuerId  string `json:"issuer_id"`
	HasPem    bool   `json:"has_pem"`
	Revoked   bool   `json:"revoked"`
	IsAcme    bool   `json:"is_acme"`
	IsEv      bool   `json:"is_ev"`
}

type SummaryChallenge struct {
	Id         string           `json:"id"`
	AuthzId    string           `json:"authz_id"`
	Status     string           `json:"status"`
	Token      string           `json:"token"`
	AcceptedAt string           `json:"accepted_at,omitempty"`
	Validation *ValidationEntry `json:"validation,omitempty"`
}

// BuildSummary assembles the snapshot from the store, the validator timers
// and the log ring.
func BuildSummary(db *database.Database, validator *Validator) (*Summary, error) {
	now := time.Now()
	s := &Summary{
		ServerTimeUtc: now.UTC().Format(time.RFC3339),
		ServerTime:    now.Format(time.RFC3339),
		Stats: map[string]int{
			database.StatRequests:     db.GetStat(database.StatRequests),
			database.StatAcmeRequests: db.GetStat(database.StatAcmeRequests),
			database.StatCertsIssued:  db.GetStat(database.StatCertsIssued),
		},
		RecentLogs: log.RecentLines(),
	}

	if info, err := host.Info(); err == nil {
		s.Hostname = info.Hostname
	} else if hn, err := os.Hostname(); err == nil {
		s.Hostname = hn
	}
	if usage, err := disk.Usage("/"); err == nil {
		s.DiskFreeMb = usage.Free / 1024 / 1024
	}

	activeCa, _ := db.GetConfig(database.CfgActiveCaId)

	cas, err := db.ListCAs()
	if err != nil {
		return nil, err
	}
	for _, ca := range cas {
		s.Roots = append(s.Roots, SummaryCa{
			Id:         ca.Id,
			Name:       ca.Name,
			CommonName: ca.CommonName,
			NotAfter:   ca.NotAfter,
			CreatedAt:  ca.CreatedAt,
			IsActive:   ca.Id == activeCa,
		})
	}

	inters, err := db.ListIntermediates()
	if err != nil {
		return nil, err
	}
	for _, ic := range inters {
		s.Intermediates = append(s.Intermediates, SummaryInter{
			Id:         ic.Id,
			ParentId:   ic.ParentId,
			Name:       ic.Name,
			CommonName: ic.CommonName,
			NotAfter:   ic.NotAfter,
			CreatedAt:  ic.CreatedAt,
		})
	}

	certs, err := db.ListCerts()
	if err != nil {
		return nil, err
	}
	s.CertsTotal = len(certs)
	for _, c := range certs {
		revoked := db.IsRevoked(c.Id)
		valid := !revoked
		if notAfter, err := time.Parse(time.RFC3339, c.NotAfter); err == nil {
			valid = valid && notAfter.After(now)
		}
		if valid {
			s.CertsValid++
		}
		s.Certs = append(s.Certs, SummaryCert{
			Id:        c.Id,
			Domain:    c.Domain,
			NotAfter:  c.NotAfter,
			CreatedAt: c.CreatedAt,
			IssuerId:  c.IssuerId,
			HasPem:    c.Pem != "",
			Revoked:   revoked,
			IsAcme:    c.IsAcme,
			IsEv:      c.IsEv,
		})
	}

	timers := map[string]*ValidationEntry{}
	for _, e := range validator.Snapshot() {
		timers[e.ChallengeId] = e
	}
	challenges, err := db.ListAcmeChallenges()
	if err != nil {
		return nil, err
	}
	for _, c := range challenges {
		if c.Status != database.StatusPending {
			continue
		}
		s.Challenges = append(s.Challenges, SummaryChallenge{
			Id:         c.Id,
			AuthzId:    c.AuthzId,
			Status:     c.Status,
			Token:      c.Token,
			AcceptedAt: c.AcceptedAt,
			Validation: timers[c.Id],
		})
	}

	return s, nil
}
