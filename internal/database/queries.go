/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const (
	// Credit account queries
	queryGetAccount = `
		SELECT balance, version
		FROM credit_accounts
		WHERE namespace = ? AND user_id = ?`

	queryInsertAccount = `
		INSERT INTO credit_accounts (namespace, user_id, balance, version, updated_at)
		VALUES (?, ?, ?, 1, ?)`

	queryUpdateAccount = `
		UPDATE credit_accounts
		SET balance = ?, version = version + 1, last_transaction_id = ?, updated_at = ?
		WHERE namespace = ? AND user_id = ? AND version = ?`

	// Credit transaction queries
	queryCheckDuplicateReference = `
		SELECT id
		FROM credit_transactions
		WHERE namespace = ? AND reference = ?`

	queryGetAmountByReference = `
		SELECT amount
		FROM credit_transactions
		WHERE namespace = ? AND reference = ?`

	queryInsertCreditTransaction = `
		INSERT INTO credit_transactions (id, namespace, user_id, transaction_type, amount,
		                                 balance_before, balance_after, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, user_id, transaction_type, amount, balance_before, balance_after, reference, created_at`

	queryGetCreditHistory = `
		SELECT id, user_id, transaction_type, amount, balance_before, balance_after, reference, created_at
		FROM credit_transactions
		WHERE namespace = ? AND user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryReconcileCredits = `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_transactions
		WHERE namespace = ? AND user_id = ?`

	// Job queries
	jobColumns = `id, owner_user_id, kind, state, source_reference, artifact_reference, provider_job_id,
		prompt_text, error_message, credits_debited, credits_refunded, balance_after_debit,
		admission_token, derived_from, position, version, created_at, updated_at`

	queryInsertJob = `
		INSERT INTO jobs (namespace, ` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// The default position is the creation time in microseconds, bumped past
	// the owner's highest key so two records never share one.
	queryInsertJobAppend = `
		INSERT INTO jobs (namespace, ` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        MAX(?, COALESCE((SELECT MAX(position) + 1 FROM jobs WHERE namespace = ? AND owner_user_id = ?), 0)),
		        ?, ?, ?)
		RETURNING position`

	queryGetJob = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE namespace = ? AND id = ?`

	queryListJobs = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE namespace = ? AND owner_user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	queryFindJobByProviderId = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE namespace = ? AND provider_job_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	queryAttachProviderJobId = `
		UPDATE jobs
		SET provider_job_id = ?, version = version + 1, updated_at = ?
		WHERE namespace = ? AND id = ? AND provider_job_id IS NULL`

	queryUpdateJobState = `
		UPDATE jobs
		SET state = ?, artifact_reference = ?, error_message = ?,
		    credits_refunded = credits_refunded + ?, version = version + 1, updated_at = ?
		WHERE namespace = ? AND id = ? AND version = ?`

	queryListStaleQueued = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE namespace = ? AND state = 'queued' AND created_at < ?
		ORDER BY created_at
		LIMIT ?`

	// Ordering queries
	queryGetJobGroups = `
		SELECT group_id, order_index
		FROM group_memberships
		WHERE namespace = ? AND job_id = ?`

	queryListOrderedGlobal = `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE namespace = ? AND owner_user_id = ? AND state = 'completed'
		ORDER BY position, id`

	queryListOrderedGroup = `
		SELECT j.id, j.owner_user_id, j.kind, j.state, j.source_reference, j.artifact_reference, j.provider_job_id,
		       j.prompt_text, j.error_message, j.credits_debited, j.credits_refunded, j.balance_after_debit,
		       j.admission_token, j.derived_from, j.position, j.version, j.created_at, j.updated_at,
		       g.order_index
		FROM group_memberships g
		JOIN jobs j ON j.namespace = g.namespace AND j.id = g.job_id
		WHERE g.namespace = ? AND g.user_id = ? AND g.group_id = ? AND j.state = 'completed'
		ORDER BY g.order_index, j.id`

	queryGetOwnership = `
		SELECT owner_user_id, state
		FROM jobs
		WHERE namespace = ? AND id = ?`

	queryGlobalKeys = `
		SELECT id, position
		FROM jobs
		WHERE namespace = ? AND owner_user_id = ? AND state = 'completed'`

	queryGroupKeys = `
		SELECT g.job_id, g.order_index
		FROM group_memberships g
		JOIN jobs j ON j.namespace = g.namespace AND j.id = g.job_id
		WHERE g.namespace = ? AND g.user_id = ? AND g.group_id = ? AND j.state = 'completed'`

	queryUpdatePosition = `
		UPDATE jobs
		SET position = ?, updated_at = ?
		WHERE namespace = ? AND id = ?`

	queryUpsertMembership = `
		INSERT INTO group_memberships (namespace, group_id, job_id, user_id, order_index, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, group_id, job_id)
		DO UPDATE SET order_index = excluded.order_index, updated_at = excluded.updated_at`

	queryDeleteMembership = `
		DELETE FROM group_memberships
		WHERE namespace = ? AND group_id = ? AND job_id = ?`
)
