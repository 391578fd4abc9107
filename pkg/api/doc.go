/*
Package api exposes the REST control surface.

Workers register, heartbeat, and pull or release streams under /v1; operators
inspect fleet health, trigger rebalances, and drive consistency repairs.
Every response carries a status string (success, error, no_capacity,
already_registered, not_found) alongside the payload, so clients can branch
without parsing error messages.

	POST /v1/register                       worker registration
	POST /v1/heartbeat                      liveness + correction instructions
	POST /v1/streams                        stream intake (creates pending)
	POST /v1/streams/assign                 transactional claim
	POST /v1/streams/release                return streams to pending
	POST /v1/instances/:id/failure          report a failure
	GET  /v1/instances                      fleet listing
	GET  /v1/health                         aggregate system health
	POST /v1/rebalance                      manual rebalance
	GET  /v1/rebalance/history              audit log
	GET  /v1/consistency/check              run a verification pass
	GET  /v1/consistency/history            bounded report history
	POST /v1/consistency/resolve/:stream_id repair one stream's issues
	POST /v1/consistency/sync/:instance_id  reconcile one instance's counter
	GET  /metrics, /healthz, /readyz        operational endpoints

Request metrics are recorded per matched route. Unmatched paths are grouped
under a single label to keep cardinality bounded.
*/
package api
