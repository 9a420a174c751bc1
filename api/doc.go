/*
Package api holds the types shared by the configuration server HTTP handlers,
their clients and the server wiring.

# Endpoints

	GET  /{repository}/{path...}          configuration file, decrypted when sealed
	HEAD /{repository}/{path...}          headers only
	POST /encrypt                         seal a plaintext (alias: /api/encrypt)
	POST /api/tokenize                    seal the {enc:...} placeholders of a text file
	GET  /api/repositories                status of every repository
	GET  /api/repositories/{repository}   status of one repository
	GET  /livez, /readyz, /drain, /undrain

Served files carry GenerationHeader and RevisionHeader so that clients can
tell which generation of a repository they observed.
*/
package api
