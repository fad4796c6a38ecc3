// auditmap lists the active mappings in a mapping store's append-log, per
// route, for operator review — a generalization of the teacher's audit_positions script (broker
// vs local storage) to the copy engine's source/destination mapping store.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/coretrace/copyengine/internal/mapping"
	"github.com/coretrace/copyengine/internal/routeconfig"
)

func main() {
	var (
		storePath  = flag.String("store", "data/mappings.log", "path to the mapping store append-log")
		configPath = flag.String("config", "config.json", "route config, used to enumerate every route id")
		routeID    = flag.String("route", "", "restrict output to one route id (default: all routes in -config)")
		jsonOutput = flag.Bool("json", false, "output results as JSON")
	)
	flag.Parse()

	store, err := mapping.NewFileStore(*storePath)
	if err != nil {
		log.Fatalf("failed to open mapping store %q: %v", *storePath, err)
	}
	defer store.Close()

	var routeIDs []string
	if *routeID != "" {
		routeIDs = []string{*routeID}
	} else {
		cfg, err := routeconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config %q: %v (pass -route to skip config entirely)", *configPath, err)
		}
		for _, r := range cfg.Routes {
			routeIDs = append(routeIDs, r.ID)
		}
	}

	var mappings []mapping.Mapping
	for _, rid := range routeIDs {
		ms, err := store.ListActiveForRoute(rid)
		if err != nil {
			log.Fatalf("failed to list mappings for route %q: %v", rid, err)
		}
		mappings = append(mappings, ms...)
	}

	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].OpenTime.Before(mappings[j].OpenTime)
	})

	if *jsonOutput {
		out, err := json.MarshalIndent(mappings, "", "  ")
		if err != nil {
			log.Fatalf("failed to marshal JSON: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("%-10s %-24s %-24s %-10s %s\n", "route", "source", "dest", "status", "opened")
	for _, m := range mappings {
		fmt.Printf("%-10s %-24s %-24s %-10s %s\n",
			m.RouteID,
			m.Source.AccountID+"/"+m.Source.PositionID,
			m.Dest.AccountID+"/"+m.Dest.PositionID,
			m.Status,
			m.OpenTime.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Printf("\n%d mapping(s) found.\n", len(mappings))
}
