package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// ApiServer hosts the administrative command surface and the ACME
// endpoints on one listener.
type ApiServer struct {
	srv       *http.Server
	cfg       *Config
	db        *database.Database
	authority *Authority
	issuer    *Issuer
	acme      *AcmeServer
	validator *Validator
	hub       *EventHub
	notifier  *Notifier
}

func NewApiServer(cfg *Config, db *database.Database, authority *Authority, issuer *Issuer, acme *AcmeServer, validator *Validator, hub *EventHub, notifier *Notifier) *ApiServer {
	a := &ApiServer{
		cfg:       cfg,
		db:        db,
		authority: authority,
		issuer:    issuer,
		acme:      acme,
		validator: validator,
		hub:       hub,
		notifier:  notifier,
	}

	r := mux.NewRouter()
	a.srv = &http.Server{
		Handler:     r,
		Addr:        cfg.ListenAddr(),
		ReadTimeout: 15 * time.Second,
	}

	acme.RegisterRoutes(r)
	a.RegisterRoutes(r)

	return a
}

func (a *ApiServer) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/ca/setup", a.handleCaSetup).Methods("POST")
	r.HandleFunc("/api/ca/activate", a.handleCaActivate).Methods("POST")
	r.HandleFunc("/api/ca/intermediate", a.handleIntermediateCreate).Methods("POST")
	r.HandleFunc("/api/ca/intermediate", a.handleIntermediateDelete).Methods("DELETE")
	r.HandleFunc("/api/ca", a.handleCaDelete).Methods("DELETE")
	r.HandleFunc("/api/ca/info", a.handleCaInfo).Methods("GET")
	r.HandleFunc("/api/ca-cert", a.handleCaCertDownload).Methods("GET")

	r.HandleFunc("/api/cert/create", a.handleCertCreate).Methods("POST")
	r.HandleFunc("/api/cert/revoke", a.handleCertRevoke).Methods("POST")
	r.HandleFunc("/api/cert/renew", a.handleCertRenew).Methods("POST")
	r.HandleFunc("/api/cert/info", a.handleCertInfo).Methods("GET")
	r.HandleFunc("/api/cert/download", a.handleCertDownload).Methods("GET")
	r.HandleFunc("/api/cert/key", a.handleCertKey).Methods("GET")
	r.HandleFunc("/api/cert/revocation-status", a.handleRevocationStatus).Methods("GET")
	r.HandleFunc("/api/cert", a.handleCertDelete).Methods("DELETE")

	r.HandleFunc("/api/acme-whitelist", a.handleWhitelistList).Methods("GET")
	r.HandleFunc("/api/acme-whitelist", a.handleWhitelistCreate).Methods("POST")
	r.HandleFunc("/api/acme-whitelist", a.handleWhitelistDelete).Methods("DELETE")

	r.HandleFunc("/api/acme-ca-assignments", a.handleAssignmentList).Methods("GET")
	r.HandleFunc("/api/acme-ca-assignments", a.handleAssignmentCreate).Methods("POST")
	r.HandleFunc("/api/acme-ca-assignments", a.handleAssignmentDelete).Methods("DELETE")

	r.HandleFunc("/api/http-challenges", a.handleHttpChallengeList).Methods("GET")
	r.HandleFunc("/api/http-challenges", a.handleHttpChallengeCreate).Methods("POST")
	r.HandleFunc("/api/http-challenges", a.handleHttpChallengeDelete).Methods("DELETE")

	r.HandleFunc("/api/acme-challenge/accept", a.handleChallengeAccept).Methods("POST")

	r.HandleFunc("/api/summary", a.handleSummary).Methods("GET")
	r.HandleFunc("/api/logs", a.handleLogs).Methods("GET")
	r.HandleFunc("/api/events", a.hub.HandleEvents).Methods("GET")
}

// Handler exposes the combined router.
func (a *ApiServer) Handler() http.Handler {
	return a.srv.Handler
}

func (a *ApiServer) Start() {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api server: %v", err)
		}
	}()
	log.Info("listening on %s", a.srv.Addr)
}

func (a *ApiServer) Shutdown() error {
	return a.srv.Close()
}

func (a *ApiServer) writeOk(w http.ResponseWriter, extra map[string]interface{}) {
	out := map[string]interface{}{"ok": true}
	for k, v := range extra {
		out[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	json.NewEncoder(w).Encode(out)
}

func (a *ApiServer) writeErr(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*ApiError)
	if !ok {
		apiErr = Internal("%v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(apiErr.Kind))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":      false,
		"error":   apiErr.Kind,
		"message": apiErr.Message,
	})
}

func (a *ApiServer) decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return BadRequest("cannot parse request body: %v", err)
	}
	return nil
}

// idParam reads an id from the query string or a {"id": ...} body.
func idParam(r *http.Request) string {
	if id := r.URL.Query().Get("id"); id != "" {
		return id
	}
	var body struct {
		Id string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return body.Id
	}
	return ""
}

func intIdParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		var body struct {
			Id json.Number `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			raw = body.Id.String()
		}
	}
	if raw == "" {
		return 0, BadRequest("id is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, BadRequest("id is not a number: %s", raw)
	}
	return id, nil
}

type caSetupRequest struct {
	Name          string `json:"name"`
	CommonName    string `json:"commonName"`
	ValidityYears int    `json:"validityYears"`
	KeySize       int    `json:"keySize"`
	HashAlgo      string `json:"hashAlgo"`
}

func (a *ApiServer) handleCaSetup(w http.ResponseWriter, r *http.Request) {
	var req caSetupRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.Name == "" {
		a.writeErr(w, BadRequest("name is required"))
		return
	}

	id, err := a.authority.CreateRoot(req.Name, CaOptions{
		CommonName:    req.CommonName,
		KeySize:       req.KeySize,
		ValidityYears: req.ValidityYears,
		HashAlgo:      req.HashAlgo,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.notifier.Notify("ca.created", map[string]string{"id": id})
	a.writeOk(w, map[string]interface{}{"id": id})
}

func (a *ApiServer) handleCaActivate(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}
	if err := a.authority.Activate(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, nil)
}

type intermediateRequest struct {
	ParentCaId    string `json:"parentCaId"`
	Name          string `json:"name"`
	CommonName    string `json:"commonName"`
	ValidityYears int    `json:"validityYears"`
	KeySize       int    `json:"keySize"`
	HashAlgo      string `json:"hashAlgo"`
}

func (a *ApiServer) handleIntermediateCreate(w http.ResponseWriter, r *http.Request) {
	var req intermediateRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.ParentCaId == "" || req.Name == "" {
		a.writeErr(w, BadRequest("parentCaId and name are required"))
		return
	}

	id, err := a.authority.CreateIntermediate(req.ParentCaId, req.Name, CaOptions{
		CommonName:    req.CommonName,
		KeySize:       req.KeySize,
		ValidityYears: req.ValidityYears,
		HashAlgo:      req.HashAlgo,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, map[string]interface{}{"id": id})
}

func (a *ApiServer) handleCaDelete(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}
	if err := a.authority.DeleteRoot(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleIntermediateDelete(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}
	if err := a.authority.DeleteIntermediate(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleCaInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}
	pem, err := a.authority.CertPemFor(id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	info, err := InspectCertificate(pem)
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"info": info})
}

func (a *ApiServer) handleCaCertDownload(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}
	pem, err := a.authority.CertPemFor(id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.pem"`)
	w.WriteHeader(200)
	w.Write(pem)
}

type certCreateRequest struct {
	IssuerId     string   `json:"issuerId"`
	Domain       string   `json:"domain"`
	SanDomains   []string `json:"sanDomains"`
	ValidityDays int      `json:"validityDays"`
	KeyAlgorithm string   `json:"keyAlgorithm"`
	KeySize      int      `json:"keySize"`
	HashAlgo     string   `json:"hashAlgo"`
	Ev           bool     `json:"ev"`
	PolicyOid    string   `json:"policyOid"`
}

func (a *ApiServer) handleCertCreate(w http.ResponseWriter, r *http.Request) {
	var req certCreateRequest
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.IssuerId == "" || req.Domain == "" {
		a.writeErr(w, BadRequest("issuerId and domain are required"))
		return
	}

	id, err := a.issuer.IssueLeaf(req.IssuerId, req.Domain, LeafOptions{
		KeyAlgorithm: req.KeyAlgorithm,
		KeySize:      req.KeySize,
		SanDomains:   req.SanDomains,
		ValidityDays: req.ValidityDays,
		HashAlgo:     req.HashAlgo,
		Ev:           req.Ev,
		PolicyOid:    req.PolicyOid,
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.notifier.Notify("cert.issued", map[string]interface{}{"id": id, "domain": req.Domain})
	a.writeOk(w, map[string]interface{}{"id": id})
}

func (a *ApiServer) handleCertRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.issuer.RevokeLeaf(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.notifier.Notify("cert.revoked", map[string]interface{}{"id": id})
	a.writeOk(w, nil)
}

func (a *ApiServer) handleCertRenew(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	newId, err := a.issuer.RenewLeaf(id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, map[string]interface{}{"id": newId})
}

func (a *ApiServer) handleCertInfo(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	cert, err := a.db.GetCertById(id)
	if err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	info, err := InspectCertificate([]byte(cert.Pem))
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{
		"cert": cert,
		"info": info,
	})
}

func (a *ApiServer) handleCertDownload(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	cert, err := a.db.GetCertById(id)
	if err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+cert.Domain+`.pem"`)
	w.WriteHeader(200)
	w.Write([]byte(cert.Pem))
}

func (a *ApiServer) handleCertKey(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if _, err := a.db.GetCertById(id); err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	keyPem, err := ReadFromFile(a.issuer.paths.LeafKey(id))
	if err != nil {
		a.writeErr(w, NotFound("key file missing for certificate %d", id))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(200)
	w.Write(keyPem)
}

func (a *ApiServer) handleRevocationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if _, err := a.db.GetCertById(id); err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	if rev, err := a.db.GetRevocation(id); err == nil {
		a.writeOk(w, map[string]interface{}{"revoked": true, "revokedAt": rev.RevokedAt})
		return
	}
	a.writeOk(w, map[string]interface{}{"revoked": false})
}

func (a *ApiServer) handleCertDelete(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.issuer.DeleteLeaf(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.db.ListWhitelist()
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"entries": entries})
}

func (a *ApiServer) handleWhitelistCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DomainPattern string `json:"domainPattern"`
	}
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.DomainPattern == "" {
		a.writeErr(w, BadRequest("domainPattern is required"))
		return
	}
	entry, err := a.db.CreateWhitelistEntry(req.DomainPattern)
	if err != nil {
		a.writeErr(w, Conflict("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"id": entry.Id})
}

func (a *ApiServer) handleWhitelistDelete(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.db.DeleteWhitelistEntry(id); err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleAssignmentList(w http.ResponseWriter, r *http.Request) {
	assignments, err := a.db.ListAssignments()
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"assignments": assignments})
}

func (a *ApiServer) handleAssignmentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DomainPattern string `json:"domainPattern"`
		CaId          string `json:"caId"`
	}
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.DomainPattern == "" || req.CaId == "" {
		a.writeErr(w, BadRequest("domainPattern and caId are required"))
		return
	}
	if _, err := a.db.GetCA(req.CaId); err != nil {
		if _, err := a.db.GetIntermediate(req.CaId); err != nil {
			a.writeErr(w, NotFound("ca not found: %s", req.CaId))
			return
		}
	}
	assignment, err := a.db.CreateAssignment(req.DomainPattern, req.CaId)
	if err != nil {
		a.writeErr(w, Conflict("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"id": assignment.Id})
}

func (a *ApiServer) handleAssignmentDelete(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.db.DeleteAssignment(id); err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleHttpChallengeList(w http.ResponseWriter, r *http.Request) {
	chs, err := a.db.ListHttpChallenges()
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"challenges": chs})
}

func (a *ApiServer) handleHttpChallengeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token            string `json:"token"`
		KeyAuthorization string `json:"keyAuthorization"`
	}
	if err := a.decodeBody(r, &req); err != nil {
		a.writeErr(w, err)
		return
	}
	if req.Token == "" || req.KeyAuthorization == "" {
		a.writeErr(w, BadRequest("token and keyAuthorization are required"))
		return
	}
	ch, err := a.db.CreateHttpChallenge(req.Token, req.KeyAuthorization)
	if err != nil {
		a.writeErr(w, Conflict("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"id": ch.Id})
}

func (a *ApiServer) handleHttpChallengeDelete(w http.ResponseWriter, r *http.Request) {
	id, err := intIdParam(r)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if err := a.db.DeleteHttpChallenge(id); err != nil {
		a.writeErr(w, NotFound("%v", err))
		return
	}
	a.writeOk(w, nil)
}

// handleChallengeAccept accepts either an authorization id or a challenge
// id and forces the pair to valid.
func (a *ApiServer) handleChallengeAccept(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if id == "" {
		a.writeErr(w, BadRequest("id is required"))
		return
	}

	if _, err := a.db.GetAcmeAuthz(id); err == nil {
		challenges, err := a.db.ListChallengesByAuthz(id)
		if err != nil || len(challenges) == 0 {
			a.writeErr(w, NotFound("no challenges for authorization %s", id))
			return
		}
		for _, c := range challenges {
			if err := a.validator.Accept(c.Id); err != nil {
				a.writeErr(w, err)
				return
			}
		}
		a.writeOk(w, nil)
		return
	}

	if err := a.validator.Accept(id); err != nil {
		a.writeErr(w, err)
		return
	}
	a.writeOk(w, nil)
}

func (a *ApiServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	a.db.IncStat(database.StatRequests)
	summary, err := BuildSummary(a.db, a.validator)
	if err != nil {
		a.writeErr(w, Internal("%v", err))
		return
	}
	a.writeOk(w, map[string]interface{}{"summary": summary})
}

func (a *ApiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	a.writeOk(w, map[string]interface{}{"lines": log.RecentLines()})
}
