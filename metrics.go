package presale

import (
	"expvar"
	"runtime"
)

var (
	appResponseCounts      = expvar.NewMap("app_http_responses_total")
	externalResponseCounts = expvar.NewMap("external_http_responses_total")

	paymentsCreatedCount = expvar.NewInt("payments_created_total")
	verificationOutcomes = expvar.NewMap("payment_verifications_total")
	disbursementOutcomes = expvar.NewMap("treasury_disbursements_total")
	endpointFailovers    = expvar.NewInt("ledger_endpoint_failovers_total")
)

func init() {
	expvar.Publish("process_mem_bytes", expvar.Func(func() any { return readProcessMemory() }))
}

func readProcessMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys
}

func recordVerificationOutcome(status VerificationStatus) {
	verificationOutcomes.Add(string(status), 1)
}

func recordDisbursementOutcome(outcome string) {
	disbursementOutcomes.Add(outcome, 1)
}
