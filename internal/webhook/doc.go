// Package webhook implements the inbound Twilio WhatsApp endpoint.
//
// Each POST is a form-encoded message event. The handler verifies
// X-Twilio-Signature (HMAC-SHA1 keyed by the auth token), submits the
// message under the sender's identity, and answers with an empty TwiML
// document right away. Replies go out later through the Messages API.
//
// # Security Model
//
//   - Signatures compared with crypto/subtle (constant time)
//   - Body size capped with http.MaxBytesReader (413 when exceeded)
//   - Generic 403 on any verification failure
//   - Request logs carry masked identities and never message bodies
//
// # Configuration
//
//	webhook:
//	  listen: ":3008"
//	  path: /webhook
//	  public_url: https://bot.example.com
//	  validate_signature: true
//	  max_body_size: 64KB
package webhook
