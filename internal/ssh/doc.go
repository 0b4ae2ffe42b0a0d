// ssh implements a facade over the 'x/crypto/ssh' and 'pkg/sftp' packages,
// simplifying the following workflows:
//   - private key loading and parsing
//   - host key policy selection (known_hosts, pinned keys or explicit opt-out)
//   - SSH client construction, with a bounded readiness poll
//   - per-command execution returning a 'Result'
//   - SFTP file upload over the same connection
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
