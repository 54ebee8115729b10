package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Integrations, automation rules and their audit trail
			CREATE TABLE integrations (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL,
				provider VARCHAR(50) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				match_mode VARCHAR(10) NOT NULL DEFAULT 'first' CHECK (match_mode IN ('first', 'all')),
				sandbox BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_integrations_tenant_id ON integrations(tenant_id);

			CREATE TABLE automation_rules (
				id VARCHAR(255) PRIMARY KEY,
				integration_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				event_type VARCHAR(100) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT true,
				priority INT NOT NULL DEFAULT 0,
				filters JSONB NOT NULL DEFAULT '[]',
				action_type VARCHAR(50) NOT NULL,
				action_config JSONB NOT NULL DEFAULT '{}',
				cooldown_minutes INT NOT NULL DEFAULT 0,
				max_executions_per_hour INT NOT NULL DEFAULT 0,
				execution_count BIGINT NOT NULL DEFAULT 0,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automation_rules_lookup ON automation_rules(integration_id, event_type, is_active);

			CREATE TABLE execution_logs (
				id VARCHAR(255) PRIMARY KEY,
				rule_id VARCHAR(255) NOT NULL,
				integration_id VARCHAR(255) NOT NULL,
				event_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(100) NOT NULL,
				action_type VARCHAR(50) NOT NULL,
				action_result VARCHAR(20) NOT NULL,
				error_message TEXT,
				attempts INT NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				credits_consumed INT NOT NULL DEFAULT 0,
				payload JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_logs_rule_created ON execution_logs(rule_id, created_at DESC);

			CREATE TABLE event_mappings (
				provider VARCHAR(50) PRIMARY KEY,
				mappings JSONB NOT NULL DEFAULT '{}'
			);

			CREATE TABLE config_entries (
				key VARCHAR(255) PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
		2: `
			-- Circuit breakers, rate limit windows and instance liveness
			CREATE TABLE circuit_breakers (
				integration_id VARCHAR(255) PRIMARY KEY,
				status VARCHAR(20) NOT NULL CHECK (status IN ('closed', 'open', 'half_open')),
				failure_count INT NOT NULL DEFAULT 0,
				trip_count INT NOT NULL DEFAULT 0,
				last_failure_at TIMESTAMP WITH TIME ZONE,
				opened_at TIMESTAMP WITH TIME ZONE,
				closes_at TIMESTAMP WITH TIME ZONE,
				trial_started_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE rate_limits (
				identifier VARCHAR(255) NOT NULL,
				endpoint VARCHAR(255) NOT NULL,
				window_start TIMESTAMP WITH TIME ZONE NOT NULL,
				request_count INT NOT NULL,
				PRIMARY KEY (identifier, endpoint, window_start)
			);

			CREATE TABLE instances (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(30) NOT NULL,
				effective_status VARCHAR(30) NOT NULL,
				last_heartbeat TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_instances_stale ON instances(status, effective_status, last_heartbeat);
		`,
		3: `
			-- Conversation flows
			CREATE TABLE flows (
				id VARCHAR(255) PRIMARY KEY,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT false,
				validation JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_tenant_id ON flows(tenant_id);
		`,
	}
}
