/*
Package config loads the server configuration.

Settings come from a YAML file; secrets come from the environment only:

	CONFIGSERVER_MASTER_SEED         hex master seed (keys.provider: derived)
	CONFIGSERVER_MASTER_SEED_SHARES  comma separated hex shares, alternative to the seed
	VAULT_ADDR                       Vault address, overrides keys.vault.address
	VAULT_TOKEN                      Vault token (keys.provider: vault)

Example file:

	server:
	  listen_addr: 0.0.0.0:8080
	  metrics_addr: 127.0.0.1:8090
	  work_dir: /var/lib/configserver
	  default_key_id: prod
	keys:
	  provider: dir
	  dir: /etc/configserver/keys
	repositories:
	  - name: payments
	    source: git+https://git.example.com/ops/payments-config.git?branch=main
	    mirrors: [s3://config-mirror/payments?region=eu-west-1]
	    poll_interval: 30s
	    key_id: prod
	    checkout:
	      subpath: services/payments
	      retain: 1

A malformed source URI is not a load error: the repository is served as
halted while the others work normally.
*/
package config
