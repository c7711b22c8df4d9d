/*
Package httpserver exposes the credential registry over HTTP.

Parties authenticate by signing a one-time challenge with their wallet and
present the returned token as a bearer token. The role carried by a party is
always resolved from the role cache, never taken from the token.

# Documents

	POST   /api/documents/register          multipart upload, ISSUER or higher
	GET    /api/documents                   paginated list of visible documents
	GET    /api/documents/{hash}            record, for parties with access
	POST   /api/documents/{hash}/share      grant read access
	DELETE /api/documents/{hash}/share      revoke read access
	POST   /api/documents/{hash}/transfer   transfer ownership
	POST   /api/documents/{hash}/deactivate deactivate with a reason
	GET    /api/documents/{hash}/download   decrypted file, owner or issuer only

# Verification

	GET  /api/verify/{hash}   verify an anchored hash
	POST /api/verify          verify an uploaded file, a QR link or a hash

Verification is public. An authenticated caller with access additionally
receives the full record.

# Privacy

	POST   /api/consent                         record a consent
	GET    /api/consent                         consent history
	GET    /api/consent/{type}                  current consent state
	DELETE /api/consent/{type}                  withdraw a consent
	POST   /api/privacy/deletion                open a deletion request
	GET    /api/privacy/deletion/{id}           deletion request status
	POST   /api/privacy/deletion/{id}/process   confirm with the one-time code
	POST   /api/privacy/export                  generate a data export
	GET    /api/privacy/export/{id}             download an unexpired export

# Administration

	POST   /api/admin/roles                    assign a role
	POST   /api/admin/roles/batch              assign several roles
	DELETE /api/admin/roles/{address}          unregister a party
	POST   /api/admin/transfer                 hand over the admin role
	POST   /api/admin/reconcile                run one reconciliation pass
	POST   /api/admin/retention                run the retention sweep
	POST   /api/admin/retention/{id}/process   execute a request the sweep opened
	GET    /api/monitoring/health              backend reachability, 503 when degraded

Failures share one body, ErrorResponse, whose error field is the stable
error kind. Error details are withheld in production mode.

The server also provides /livez, /readyz, /drain and /undrain for load
balancer integration, and optionally mounts pprof under /debug.
*/
package httpserver
