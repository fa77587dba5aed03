package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusgate/attendance-portal/internal/roles"
)

// CSV contract
// email,displayName,role,collegeId,departments,password
// departments are semicolon-separated; role is one of the portal roles

type UserCSV struct {
	Email       string
	DisplayName string
	Role        roles.Role
	CollegeID   string
	Departments []string
	Password    string
}

type UpsertResult struct {
	Created int
	Updated int
}

var requiredColumns = []string{"email", "displayName", "role", "collegeId", "departments", "password"}

func loadCSV(src io.Reader) ([]UserCSV, error) {
	r := csv.NewReader(src)
	r.TrimLeadingSpace = true

	headers, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := map[string]int{}
	for i, h := range headers {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range requiredColumns {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("missing required column: %s", k)
		}
	}

	var out []UserCSV
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv read: %w", err)
		}

		row := UserCSV{
			Email:       strings.ToLower(strings.TrimSpace(rec[idx["email"]])),
			DisplayName: strings.TrimSpace(rec[idx["displayName"]]),
			Role:        roles.Role(strings.TrimSpace(rec[idx["role"]])),
			CollegeID:   strings.TrimSpace(rec[idx["collegeId"]]),
			Password:    rec[idx["password"]],
		}
		for _, d := range strings.Split(rec[idx["departments"]], ";") {
			if d = strings.TrimSpace(d); d != "" {
				row.Departments = append(row.Departments, d)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func validateRows(rows []UserCSV) error {
	if len(rows) == 0 {
		return fmt.Errorf("CSV has no data rows")
	}
	seen := make(map[string]struct{}, len(rows))
	for i, r := range rows {
		line := i + 2
		switch {
		case !strings.Contains(r.Email, "@"):
			return fmt.Errorf("row %d: email %q is invalid", line, r.Email)
		case !roles.Valid(string(r.Role)):
			return fmt.Errorf("row %d: unknown role %q", line, r.Role)
		case r.CollegeID == "":
			return fmt.Errorf("row %d: collegeId is empty", line)
		case len(r.Password) < 8:
			return fmt.Errorf("row %d: password must be at least 8 characters", line)
		}
		if _, dup := seen[r.Email]; dup {
			return fmt.Errorf("row %d: duplicate email '%s'", line, r.Email)
		}
		seen[r.Email] = struct{}{}
	}
	return nil
}

func printPlan(w io.Writer, rows []UserCSV) {
	byRole := map[roles.Role]int{}
	colleges := map[string]struct{}{}
	for _, r := range rows {
		byRole[r.Role]++
		colleges[r.CollegeID] = struct{}{}
	}
	fmt.Fprintln(w, "Plan preview:")
	fmt.Fprintf(w, "  Accounts to upsert: %d\n", len(rows))
	for _, role := range roles.All {
		if n := byRole[role]; n > 0 {
			fmt.Fprintf(w, "    %s: %d\n", role.Label(), n)
		}
	}
	fmt.Fprintf(w, "  Distinct colleges: %d\n", len(colleges))
	fmt.Fprintln(w, "  Table affected: app_auth.users (existing accounts keep their face status)")
}

func countUsers(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM app_auth.users`).Scan(&n)
	return n, err
}

func upsertUsers(ctx context.Context, tx *sql.Tx, rows []UserCSV, resetPasswords bool) (UpsertResult, error) {
	q := `INSERT INTO app_auth.users
	        (user_id, email, display_name, hashed_password, role, college_id, departments,
	         face_enrolled, face_verified, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,false,false,now(),now())
	      ON CONFLICT (email) DO UPDATE SET
	        display_name = EXCLUDED.display_name,
	        role = EXCLUDED.role,
	        college_id = EXCLUDED.college_id,
	        departments = EXCLUDED.departments,
	        updated_at = now()`
	if resetPasswords {
		q += `,
	        hashed_password = EXCLUDED.hashed_password`
	}
	q += `
	      RETURNING (xmax = 0)`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return UpsertResult{}, err
	}
	defer stmt.Close()

	var res UpsertResult
	for _, r := range rows {
		hashed, err := bcrypt.GenerateFromPassword([]byte(r.Password), bcrypt.DefaultCost)
		if err != nil {
			return res, fmt.Errorf("hash password for '%s': %w", r.Email, err)
		}
		departments := pq.StringArray(r.Departments)
		if departments == nil {
			departments = pq.StringArray{}
		}

		var inserted bool
		err = stmt.QueryRowContext(ctx,
			uuid.NewString(), r.Email, r.DisplayName, string(hashed), string(r.Role), r.CollegeID, departments,
		).Scan(&inserted)
		if err != nil {
			return res, fmt.Errorf("upsert '%s': %w", r.Email, err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}
