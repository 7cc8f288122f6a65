package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// AcmeServer implements the RFC 8555 subset driving the pending→valid
// order state machine.
type AcmeServer struct {
	db        *database.Database
	cfg       *Config
	authority *Authority
	validator *Validator
	notifier  *Notifier
}

func NewAcmeServer(db *database.Database, cfg *Config, authority *Authority, validator *Validator, notifier *Notifier) *AcmeServer {
	return &AcmeServer{
		db:        db,
		cfg:       cfg,
		authority: authority,
		validator: validator,
		notifier:  notifier,
	}
}

func (s *AcmeServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/acme/directory", s.handleDirectory).Methods("GET")
	r.HandleFunc("/acme/new-nonce", s.handleNewNonce).Methods("HEAD", "GET", "POST")
	r.HandleFunc("/acme/new-account", s.handlePost).Methods("POST")
	r.HandleFunc("/acme/new-order", s.handlePost).Methods("POST")
	r.HandleFunc("/acme/account/{id}", s.handlePost).Methods("POST")
	r.HandleFunc("/acme/chall/{id}", s.handlePost).Methods("POST")
	r.HandleFunc("/acme/finalize/{order}", s.handlePost).Methods("POST")
	r.HandleFunc("/acme/authz/{id}", s.handleAuthz).Methods("GET")
	r.HandleFunc("/acme/cert/{order}", s.handleCert).Methods("GET")
	r.HandleFunc("/.well-known/acme-challenge/{token}", s.handleWellKnown).Methods("GET")
}

func (s *AcmeServer) replayNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", GenChallengeToken())
}

func (s *AcmeServer) writeJson(w http.ResponseWriter, status int, v interface{}) {
	s.replayNonce(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *AcmeServer) writeProblem(w http.ResponseWriter, p *AcmeProblem) {
	s.replayNonce(w)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(map[string]string{
		"type":   "urn:ietf:params:acme:error:" + p.Type,
		"detail": p.Detail,
	})
}

func (s *AcmeServer) handleDirectory(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatAcmeRequests)
	base := s.cfg.BaseUrl(r)
	s.writeJson(w, 200, map[string]string{
		"newNonce":   base + "/acme/new-nonce",
		"newAccount": base + "/acme/new-account",
		"newOrder":   base + "/acme/new-order",
	})
}

func (s *AcmeServer) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatAcmeRequests)
	s.replayNonce(w)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost verifies the JWS and dispatches by the protected header's url
// claim, not the request path, to prevent URL confusion.
func (s *AcmeServer) handlePost(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatAcmeRequests)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "cannot read request body"))
		return
	}

	req, problem := VerifyJws(s.db, body)
	if problem != nil {
		s.writeProblem(w, problem)
		return
	}

	path := UrlPath(req.Url)
	switch {
	case strings.HasSuffix(path, "/acme/new-account"):
		s.newAccount(w, r, req)
	case strings.HasSuffix(path, "/acme/new-order"):
		s.newOrder(w, r, req)
	case strings.Contains(path, "/acme/chall/"):
		s.challenge(w, r, req, tailSegment(path))
	case strings.Contains(path, "/acme/finalize/"):
		s.finalize(w, r, req, tailSegment(path))
	case strings.Contains(path, "/acme/account/"):
		s.account(w, r, req, tailSegment(path))
	default:
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "unrecognized url binding: %s", req.Url))
	}
}

func tailSegment(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func (s *AcmeServer) newAccount(w http.ResponseWriter, r *http.Request, req *JwsRequest) {
	if req.Jwk == nil || req.Account != nil {
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "new-account requires a jwk header"))
		return
	}

	jwkJson, err := json.Marshal(req.Jwk)
	if err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "cannot store account key"))
		return
	}

	id := "acct-" + GenRandomAlphanumString(12)
	if _, err := s.db.CreateAcmeAccount(id, string(jwkJson)); err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}

	log.Info("acme: created account %s", id)
	w.Header().Set("Location", s.cfg.BaseUrl(r)+"/acme/account/"+id)
	s.writeJson(w, 201, map[string]interface{}{
		"status": "valid",
	})
}

// account answers POST-as-GET requests against the account URL.
func (s *AcmeServer) account(w http.ResponseWriter, r *http.Request, req *JwsRequest, id string) {
	if req.Account == nil || req.Account.Id != id {
		s.writeProblem(w, acmeProblem(401, AcmeUnauthorized, "account mismatch"))
		return
	}
	s.writeJson(w, 200, map[string]interface{}{
		"status": "valid",
	})
}

type orderPayload struct {
	Identifiers []database.Identifier `json:"identifiers"`
}

func (s *AcmeServer) newOrder(w http.ResponseWriter, r *http.Request, req *JwsRequest) {
	if req.Account == nil {
		s.writeProblem(w, acmeProblem(401, AcmeUnauthorized, "new-order requires a kid header"))
		return
	}

	var payload orderPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || len(payload.Identifiers) == 0 {
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "identifiers are required"))
		return
	}
	for _, ident := range payload.Identifiers {
		if ident.Type != "dns" || strings.TrimSpace(ident.Value) == "" {
			s.writeProblem(w, acmeProblem(400, AcmeMalformed, "only dns identifiers are supported"))
			return
		}
	}

	base := s.cfg.BaseUrl(r)
	orderId := "order-" + GenRandomAlphanumString(12)
	order := &database.Order{
		Id:          orderId,
		AccountId:   req.Account.Id,
		Identifiers: payload.Identifiers,
		Status:      database.StatusPending,
		FinalizeUrl: base + "/acme/finalize/" + orderId,
	}
	if err := s.db.CreateAcmeOrder(order); err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}

	authzUrls := []string{}
	for _, ident := range payload.Identifiers {
		domain := NormalizeDomain(ident.Value)

		authz := &database.Authz{
			Id:         "authz-" + GenRandomAlphanumString(12),
			OrderId:    orderId,
			Identifier: database.Identifier{Type: "dns", Value: domain},
			Status:     database.StatusPending,
		}

		token := GenChallengeToken()
		keyAuth, err := KeyAuthorization(token, req.Jwk)
		if err != nil {
			s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
			return
		}
		chall := &database.Challenge{
			Id:      "chall-" + GenRandomAlphanumString(12),
			AuthzId: authz.Id,
			Type:    "http-01",
			Token:   token,
			KeyAuth: keyAuth,
			Status:  database.StatusPending,
		}

		// A whitelisted identifier is born valid and never enters the
		// validator.
		if s.matchWhitelist(domain) {
			authz.Status = database.StatusValid
			chall.Status = database.StatusValid
			log.Info("acme: %s is whitelisted, authorization auto-validated", domain)
		}

		if err := s.db.CreateAcmeAuthz(authz); err != nil {
			s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
			return
		}
		if err := s.db.CreateAcmeChallenge(chall); err != nil {
			s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
			return
		}
		if chall.Status == database.StatusPending {
			s.validator.Watch(chall.Id, domain)
		}
		authzUrls = append(authzUrls, base+"/acme/authz/"+authz.Id)
	}

	log.Info("acme: created order %s for account %s", orderId, req.Account.Id)
	w.Header().Set("Location", base+"/acme/order/"+orderId)
	s.writeJson(w, 201, map[string]interface{}{
		"status":         order.Status,
		"identifiers":    order.Identifiers,
		"authorizations": authzUrls,
		"finalize":       order.FinalizeUrl,
	})
}

func (s *AcmeServer) matchWhitelist(domain string) bool {
	entries, err := s.db.ListWhitelist()
	if err != nil {
		return false
	}
	for _, e := range entries {
		if MatchDomainPattern(e.Pattern, domain) {
			return true
		}
	}
	return false
}

// MatchDomainPattern matches an exact domain or a "*.suffix" wildcard,
// where the wildcard also covers the bare suffix.
func MatchDomainPattern(pattern string, domain string) bool {
	d := NormalizeDomain(domain)
	if strings.HasPrefix(pattern, "*.") {
		suffix := NormalizeDomain(strings.TrimPrefix(pattern, "*."))
		return d == suffix || strings.HasSuffix(d, "."+suffix)
	}
	return NormalizeDomain(pattern) == d
}

// challenge runs the synchronous probe for a challenge POST. The
// background validator keeps retrying independently.
func (s *AcmeServer) challenge(w http.ResponseWriter, r *http.Request, req *JwsRequest, id string) {
	if req.Account == nil {
		s.writeProblem(w, acmeProblem(401, AcmeUnauthorized, "challenge requires a kid header"))
		return
	}
	chall, err := s.db.GetAcmeChallenge(id)
	if err != nil {
		s.writeProblem(w, acmeProblem(404, AcmeMalformed, "%v", err))
		return
	}
	authz, err := s.db.GetAcmeAuthz(chall.AuthzId)
	if err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}

	if chall.Status == database.StatusPending {
		got, err := s.validator.Probe(authz.Identifier.Value, chall.Token)
		if err == nil && got == chall.KeyAuth {
			if err := s.validator.MarkValid(chall, authz, ""); err != nil {
				s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
				return
			}
			chall.Status = database.StatusValid
		} else {
			s.writeProblem(w, acmeProblem(400, AcmeIncorrectResponse, "key authorization mismatch for %s", authz.Identifier.Value))
			return
		}
	}

	s.writeJson(w, 200, s.challengeJson(r, chall))
}

func (s *AcmeServer) challengeJson(r *http.Request, c *database.Challenge) map[string]interface{} {
	out := map[string]interface{}{
		"type":   c.Type,
		"url":    s.cfg.BaseUrl(r) + "/acme/chall/" + c.Id,
		"status": c.Status,
		"token":  c.Token,
	}
	if c.AcceptedAt != "" {
		out["validated"] = c.AcceptedAt
	}
	return out
}

func (s *AcmeServer) handleAuthz(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatAcmeRequests)
	id := mux.Vars(r)["id"]

	authz, err := s.db.GetAcmeAuthz(id)
	if err != nil {
		s.writeProblem(w, acmeProblem(404, AcmeMalformed, "%v", err))
		return
	}
	challenges, err := s.db.ListChallengesByAuthz(id)
	if err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}

	challJson := []map[string]interface{}{}
	for _, c := range challenges {
		challJson = append(challJson, s.challengeJson(r, c))
	}
	s.writeJson(w, 200, map[string]interface{}{
		"status":     authz.Status,
		"identifier": authz.Identifier,
		"challenges": challJson,
	})
}

type finalizePayload struct {
	Csr string `json:"csr"`
}

func (s *AcmeServer) finalize(w http.ResponseWriter, r *http.Request, req *JwsRequest, orderId string) {
	if req.Account == nil {
		s.writeProblem(w, acmeProblem(401, AcmeUnauthorized, "finalize requires a kid header"))
		return
	}
	order, err := s.db.GetAcmeOrder(orderId)
	if err != nil {
		s.writeProblem(w, acmeProblem(404, AcmeMalformed, "%v", err))
		return
	}
	if order.AccountId != req.Account.Id {
		s.writeProblem(w, acmeProblem(401, AcmeUnauthorized, "order belongs to a different account"))
		return
	}
	if order.Status == database.StatusInvalid {
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "order is invalid"))
		return
	}

	authzs, err := s.db.ListAuthzsByOrder(orderId)
	if err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}
	for _, a := range authzs {
		if a.Status != database.StatusValid {
			s.writeProblem(w, acmeProblem(400, AcmeMalformed, "authorization %s is %s", a.Id, a.Status))
			return
		}
	}

	var payload finalizePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.Csr == "" {
		s.writeProblem(w, acmeProblem(400, AcmeMalformed, "csr is required"))
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.Csr)
	if err != nil {
		s.writeProblem(w, acmeProblem(400, AcmeBadCSR, "csr is not base64url"))
		return
	}
	csr, err := ParseCsr(der)
	if err != nil {
		s.writeProblem(w, acmeProblem(400, AcmeBadCSR, "%v", err))
		return
	}

	caId, err := s.authority.CaForAcmeDomain(order.Identifiers[0].Value)
	if err != nil {
		s.writeProblem(w, acmeProblem(503, AcmeServerInternal, "no CA available for issuance"))
		return
	}
	signerKey, signerCert, err := s.authority.LoadSigner(caId)
	if err != nil {
		s.writeProblem(w, acmeProblem(503, AcmeServerInternal, "cannot load signer %s", caId))
		return
	}

	san := make([]string, 0, len(order.Identifiers))
	for _, ident := range order.Identifiers {
		san = append(san, ident.Value)
	}
	cn := csr.Subject.CommonName
	if cn == "" {
		cn = san[0]
	}

	leaf, err := BuildLeafCertificate(signerCert, signerKey, csr.PublicKey, LeafCertOptions{
		SubjectCN:    cn,
		SanDns:       san,
		ValidityDays: 365,
	})
	if err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}
	notAfter := leaf.NotAfter.UTC().Format(time.RFC3339)
	chainPem := string(CertToPem(leaf)) + string(CertToPem(signerCert))

	if _, err := s.db.CreateAcmeCert(orderId, chainPem); err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}
	for _, ident := range order.Identifiers {
		row := &database.Cert{
			Domain:   NormalizeDomain(ident.Value),
			NotAfter: notAfter,
			Pem:      chainPem,
			IssuerId: caId,
			IsAcme:   true,
		}
		if _, err := s.db.CreateCert(row, nil); err != nil {
			s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
			return
		}
	}
	s.db.IncStat(database.StatCertsIssued)

	order.Status = database.StatusValid
	order.LeafRef = orderId
	if err := s.db.UpdateAcmeOrder(order); err != nil {
		s.writeProblem(w, acmeProblem(500, AcmeServerInternal, "%v", err))
		return
	}

	log.Success("acme: finalized order %s (%s, issuer %s)", orderId, san[0], caId)
	s.notifier.Notify("acme.order.valid", map[string]interface{}{
		"order":  orderId,
		"domain": san[0],
		"issuer": caId,
	})

	base := s.cfg.BaseUrl(r)
	s.writeJson(w, 200, map[string]interface{}{
		"status":      order.Status,
		"identifiers": order.Identifiers,
		"finalize":    order.FinalizeUrl,
		"certificate": base + "/acme/cert/" + orderId,
	})
}

func (s *AcmeServer) handleCert(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatAcmeRequests)
	orderId := mux.Vars(r)["order"]

	cert, err := s.db.GetAcmeCertByOrder(orderId)
	if err != nil {
		s.writeProblem(w, acmeProblem(404, AcmeMalformed, "%v", err))
		return
	}
	s.replayNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(200)
	fmt.Fprint(w, cert.Pem)
}

// handleWellKnown serves key authorizations. The manual token table is
// consulted before the ACME challenge table.
func (s *AcmeServer) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	s.db.IncStat(database.StatRequests)
	token := mux.Vars(r)["token"]

	if c, err := s.db.GetHttpChallengeByToken(token); err == nil {
		log.Debug("acme: serving manual key authorization for token %s", token)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
		fmt.Fprint(w, c.KeyAuth)
		return
	}
	if c, err := s.db.GetAcmeChallengeByToken(token); err == nil {
		log.Debug("acme: serving key authorization for token %s", token)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
		fmt.Fprint(w, c.KeyAuth)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}
