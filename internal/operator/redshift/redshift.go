// Package redshift provides the warehouse operators of an ELT pipeline:
// staging from S3, fact and dimension loads, raw SQL and data-quality checks.
package redshift

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	logf "sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/pkg/task"
)

// DefaultConnID is used when a task does not name a connection.
const DefaultConnID = "redshift"

// Register adds the warehouse operators to reg.
func Register(reg *operator.Registry) {
	reg.Register(v1.OperatorSQL, SQL)
	reg.Register(v1.OperatorStageToRedshift, StageToRedshift)
	reg.Register(v1.OperatorLoadFact, LoadFact)
	reg.Register(v1.OperatorLoadDimension, LoadDimension)
	reg.Register(v1.OperatorDataQuality, DataQuality)
}

// SQL runs every statement of the "sql" param in order.
func SQL(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	p, err := operator.Require(spec, "sql")
	if err != nil {
		return nil, err
	}
	connID := operator.Param(spec, "conn_id", DefaultConnID)
	statements := SplitStatements(p["sql"])

	return func(ctx context.Context, tc *task.Context) error {
		db, err := deps.Warehouse.Open(ctx, connID)
		if err != nil {
			return err
		}
		for i, stmt := range statements {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		logf.FromContext(ctx).Info("Executed SQL", "statements", len(statements))
		return nil
	}, nil
}

// StageToRedshift copies JSON files from S3 into a staging table. The s3_key
// param is a template over the task context, e.g.
// "log_data/{{ .LogicalDate.Year }}/{{ printf \"%02d\" .LogicalDate.Month }}".
func StageToRedshift(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	p, err := operator.Require(spec, "table", "s3_bucket", "s3_key")
	if err != nil {
		return nil, err
	}
	keyTmpl, err := template.New(spec.Name).Option("missingkey=error").Parse(p["s3_key"])
	if err != nil {
		return nil, fmt.Errorf("parse s3_key template: %w", err)
	}
	connID := operator.Param(spec, "conn_id", DefaultConnID)
	awsConnID := operator.Param(spec, "aws_conn_id", "")
	iamRole := operator.Param(spec, "iam_role", "")
	if iamRole == "" && awsConnID == "" {
		return nil, fmt.Errorf("operator %s requires param \"iam_role\" or \"aws_conn_id\"", spec.Operator)
	}
	region := operator.Param(spec, "region", "us-west-2")
	jsonOption := operator.Param(spec, "json_option", "auto")

	return func(ctx context.Context, tc *task.Context) error {
		log := logf.FromContext(ctx)

		var key bytes.Buffer
		if err := keyTmpl.Execute(&key, tc); err != nil {
			return fmt.Errorf("render s3_key: %w", err)
		}

		auth := fmt.Sprintf("IAM_ROLE '%s'", iamRole)
		if iamRole == "" {
			creds, err := deps.Connections.Get(awsConnID)
			if err != nil {
				return err
			}
			auth = fmt.Sprintf("ACCESS_KEY_ID '%s' SECRET_ACCESS_KEY '%s'", creds.Login, creds.Password)
		}

		db, err := deps.Warehouse.Open(ctx, connID)
		if err != nil {
			return err
		}
		log.Info("Clearing staging table", "table", p["table"])
		if err := db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", p["table"])); err != nil {
			return fmt.Errorf("truncate %s: %w", p["table"], err)
		}

		path := fmt.Sprintf("s3://%s/%s", p["s3_bucket"], key.String())
		log.Info("Copying from S3", "table", p["table"], "path", path)
		return db.Exec(ctx, CopySQL(p["table"], path, auth, region, jsonOption))
	}, nil
}

// CopySQL renders a Redshift COPY of JSON data.
func CopySQL(table, path, auth, region, jsonOption string) string {
	return fmt.Sprintf("COPY %s FROM '%s' %s REGION '%s' FORMAT AS JSON '%s' TIMEFORMAT AS 'epochmillisecs'",
		table, path, auth, region, jsonOption)
}

// LoadFact appends the rows of select_sql to a fact table.
func LoadFact(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	p, err := operator.Require(spec, "table", "select_sql")
	if err != nil {
		return nil, err
	}
	connID := operator.Param(spec, "conn_id", DefaultConnID)

	return func(ctx context.Context, tc *task.Context) error {
		db, err := deps.Warehouse.Open(ctx, connID)
		if err != nil {
			return err
		}
		logf.FromContext(ctx).Info("Loading fact table", "table", p["table"])
		return db.Exec(ctx, fmt.Sprintf("INSERT INTO %s %s", p["table"], p["select_sql"]))
	}, nil
}

// LoadDimension refreshes a dimension table. By default the table is emptied
// first; with append_insert=true only rows whose primary_key is absent are added.
func LoadDimension(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	p, err := operator.Require(spec, "table", "select_sql")
	if err != nil {
		return nil, err
	}
	connID := operator.Param(spec, "conn_id", DefaultConnID)
	appendInsert, err := strconv.ParseBool(operator.Param(spec, "append_insert", "false"))
	if err != nil {
		return nil, fmt.Errorf("append_insert: %w", err)
	}
	primaryKey := operator.Param(spec, "primary_key", "")
	if appendInsert && primaryKey == "" {
		return nil, fmt.Errorf("operator %s: append_insert requires primary_key", spec.Operator)
	}

	return func(ctx context.Context, tc *task.Context) error {
		log := logf.FromContext(ctx)
		db, err := deps.Warehouse.Open(ctx, connID)
		if err != nil {
			return err
		}
		if appendInsert {
			log.Info("Appending to dimension table", "table", p["table"], "primaryKey", primaryKey)
			return db.Exec(ctx, AppendSQL(p["table"], p["select_sql"], primaryKey))
		}
		log.Info("Reloading dimension table", "table", p["table"])
		if err := db.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", p["table"])); err != nil {
			return fmt.Errorf("truncate %s: %w", p["table"], err)
		}
		return db.Exec(ctx, fmt.Sprintf("INSERT INTO %s %s", p["table"], p["select_sql"]))
	}, nil
}

// AppendSQL inserts the rows of selectSQL whose key is not yet in table.
func AppendSQL(table, selectSQL, key string) string {
	return fmt.Sprintf("INSERT INTO %[1]s SELECT src.* FROM (%[2]s) src WHERE NOT EXISTS (SELECT 1 FROM %[1]s dst WHERE dst.%[3]s = src.%[3]s)",
		table, strings.TrimSuffix(strings.TrimSpace(selectSQL), ";"), key)
}

// SplitStatements splits a SQL script on semicolons outside quoted strings.
func SplitStatements(script string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range script {
		switch {
		case r == '\'':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ';' && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
