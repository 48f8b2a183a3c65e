package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microloan/pkg/engine"
	"github.com/mcclellann/microloan/pkg/ledger"
	"github.com/mcclellann/microloan/pkg/models"
	"github.com/mcclellann/microloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	buckets []engine.AgingBucket
	logger  *logrus.Logger
}

func NewServer(l *ledger.Ledger, buckets []engine.AgingBucket, logger *logrus.Logger) *Server {
	return &Server{
		ledger:  l,
		buckets: buckets,
		logger:  logger,
	}
}

// Routes builds the API router.
func (s *Server) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/approve", s.approveLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/disburse", s.disburseLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/guarantors", s.listGuarantorsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/guarantors", s.addGuarantorHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/guarantors/{gid}/approve", s.decideGuarantorHandler(true)).Methods("POST")
	router.HandleFunc("/loans/{id}/guarantors/{gid}/reject", s.decideGuarantorHandler(false)).Methods("POST")
	router.HandleFunc("/loans/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments/{pid}/allocations", s.allocationsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/transactions", s.transactionsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payoff", s.quotePayoffHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payoff", s.settleLoanHandler).Methods("POST")
	router.HandleFunc("/reports/aging", s.agingReportHandler).Methods("GET")
	router.HandleFunc("/schedules/preview", s.previewScheduleHandler).Methods("POST")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps ledger and engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrLoanNotFound), errors.Is(err, store.ErrGuarantorNotFound), errors.Is(err, store.ErrPaymentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrStateViolation), errors.Is(err, ledger.ErrDuplicatePayment):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrBusinessRule):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	http.Error(w, err.Error(), status)
}

func loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// parseDate reads a YYYY-MM-DD date. An empty string is the zero time, which
// the ledger treats as today.
func parseDate(w http.ResponseWriter, field, value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s, expected YYYY-MM-DD", field), http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

type loanTerms struct {
	Principal          decimal.Decimal           `json:"principal"`
	AnnualInterestRate decimal.Decimal           `json:"annual_interest_rate"`
	TermMonths         int                       `json:"term_months"`
	Method             models.AmortizationMethod `json:"method"`
	PaymentFrequency   models.PaymentFrequency   `json:"payment_frequency"`
	GracePeriodMonths  int                       `json:"grace_period_months"`
	StartDate          string                    `json:"start_date"`
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID    string `json:"member_id"`
		ProductCode string `json:"product_code"`
		loanTerms
	}
	if !decode(w, r, &req) {
		return
	}
	start, ok := parseDate(w, "start_date", req.StartDate)
	if !ok {
		return
	}

	loan, err := s.ledger.CreateLoan(ledger.LoanApplication{
		MemberID:           req.MemberID,
		ProductCode:        req.ProductCode,
		Principal:          req.Principal,
		AnnualInterestRate: req.AnnualInterestRate,
		TermMonths:         req.TermMonths,
		Method:             req.Method,
		PaymentFrequency:   req.PaymentFrequency,
		GracePeriodMonths:  req.GracePeriodMonths,
		StartDate:          start,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var (
		loans []*models.Loan
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		loans, err = s.ledger.GetLoansByStatus(models.LoanStatus(status))
	} else {
		loans, err = s.ledger.GetAllLoans()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) approveLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req struct {
		ApprovedAmount decimal.Decimal `json:"approved_amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	loan, err := s.ledger.ApproveLoan(id, req.ApprovedAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) rejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.RejectLoan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) disburseLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount           decimal.Decimal `json:"amount"`
		DisbursementDate string          `json:"disbursement_date"`
	}
	if !decode(w, r, &req) {
		return
	}
	on, ok := parseDate(w, "disbursement_date", req.DisbursementDate)
	if !ok {
		return
	}
	loan, entries, err := s.ledger.DisburseLoan(id, req.Amount, on)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loan":     loan,
		"schedule": entries,
	})
}

func (s *Server) listGuarantorsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	guarantors, err := s.ledger.GetGuarantors(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if guarantors == nil {
		guarantors = []models.Guarantor{}
	}
	writeJSON(w, http.StatusOK, guarantors)
}

func (s *Server) addGuarantorHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req struct {
		MemberID         string          `json:"member_id"`
		GuaranteedAmount decimal.Decimal `json:"guaranteed_amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := s.ledger.AddGuarantor(id, req.MemberID, req.GuaranteedAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) decideGuarantorHandler(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := loanID(w, r)
		if !ok {
			return
		}
		gid, err := uuid.Parse(mux.Vars(r)["gid"])
		if err != nil {
			http.Error(w, "Invalid guarantor ID", http.StatusBadRequest)
			return
		}

		var g *models.Guarantor
		if approve {
			g, err = s.ledger.ApproveGuarantor(id, gid)
		} else {
			g, err = s.ledger.RejectGuarantor(id, gid)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	asOf, ok := parseDate(w, "as_of", r.URL.Query().Get("as_of"))
	if !ok {
		return
	}
	if asOf.IsZero() {
		asOf = s.ledger.Today()
	}
	entries, err := s.ledger.GetSchedule(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"summary": engine.SummarizeSchedule(entries, asOf),
	})
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	payments, err := s.ledger.GetPayments(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) allocationsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	pid, err := uuid.Parse(mux.Vars(r)["pid"])
	if err != nil {
		http.Error(w, "Invalid payment ID", http.StatusBadRequest)
		return
	}
	allocations, err := s.ledger.GetAllocations(id, pid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if allocations == nil {
		allocations = []models.Allocation{}
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (s *Server) transactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	txs, err := s.ledger.GetTransactions(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

type paymentRequest struct {
	Amount      decimal.Decimal      `json:"amount"`
	PaymentDate string               `json:"payment_date"`
	Method      models.PaymentMethod `json:"method"`
	Reference   string               `json:"reference"`
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	on, ok := parseDate(w, "payment_date", req.PaymentDate)
	if !ok {
		return
	}

	receipt, err := s.ledger.RecordPayment(ledger.PaymentInput{
		LoanID:      id,
		Amount:      req.Amount,
		PaymentDate: on,
		Method:      req.Method,
		Reference:   req.Reference,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) quotePayoffHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	on, ok := parseDate(w, "date", r.URL.Query().Get("date"))
	if !ok {
		return
	}
	quote, err := s.ledger.QuotePayoff(id, on)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) settleLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	on, ok := parseDate(w, "payment_date", req.PaymentDate)
	if !ok {
		return
	}
	receipt, err := s.ledger.SettleLoan(id, on, req.Method, req.Reference)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) agingReportHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, ok := parseDate(w, "as_of", q.Get("as_of"))
	if !ok {
		return
	}
	buckets := s.buckets
	if name := q.Get("buckets"); name != "" {
		var err error
		if buckets, err = engine.BucketSet(name); err != nil {
			s.writeError(w, err)
			return
		}
	}

	report, err := s.ledger.AgingReport(asOf, buckets, q.Get("by_member") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req loanTerms
	if !decode(w, r, &req) {
		return
	}
	start, ok := parseDate(w, "start_date", req.StartDate)
	if !ok {
		return
	}
	if start.IsZero() {
		start = s.ledger.Today()
	}

	entries, err := engine.GenerateSchedule(engine.LoanParams{
		Principal:          req.Principal,
		AnnualInterestRate: req.AnnualInterestRate,
		TermMonths:         req.TermMonths,
		Method:             req.Method,
		PaymentFrequency:   req.PaymentFrequency,
		StartDate:          start,
		GracePeriodMonths:  req.GracePeriodMonths,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"summary": engine.SummarizeSchedule(entries, start),
	})
}
