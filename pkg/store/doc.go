/*
Package store persists named charmodel models in a SQLite database.

Windows are shared between models in a single table, and each model's
records keep their position so that a loaded model enumerates its records,
and therefore samples, exactly like the model that was saved. The package
does not import a driver; callers open the *sql.DB with the SQLite driver of
their choice and call SetupSchema once.
*/
package store
